//go:build windows

package control

import "os"

// Windows has no POSIX fifo; the spec names a mailslot as the platform
// equivalent, out of scope for this core (Non-goals: no platform-specific
// IPC beyond the primary Linux/BSD deployment target). A plain file stands
// in so the daemon still builds and the control channel degrades to
// polling rather than failing to start.
func ensureFifo(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o660)
	if err != nil {
		return err
	}
	return f.Close()
}

func openFifoForRead(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o660)
}
