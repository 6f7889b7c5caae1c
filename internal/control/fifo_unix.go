//go:build !windows

package control

import (
	"os"

	"golang.org/x/sys/unix"
)

// ensureFifo creates the control named-pipe at path, removing any stale
// node left behind by a previous run first (mirrors process.cpp's
// remove(fifopath) before mkfifo).
func ensureFifo(path string) error {
	_ = os.Remove(path)
	return unix.Mkfifo(path, 0o660)
}

// openFifoForRead opens the fifo for reading, blocking until a writer
// connects. O_RDWR (rather than O_RDONLY) keeps the read side from seeing
// EOF between writers, the same trick as the teacher's fopen(path, "r+").
func openFifoForRead(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o660)
}
