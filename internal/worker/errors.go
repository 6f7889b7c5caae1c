package worker

import "errors"

// Internal cause sentinels consulted only by failCall's status mapping;
// they never cross a package boundary the way registry/callstack's
// sentinels do.
var (
	errBusy        = errors.New("worker: all targets busy")
	errUnreachable = errors.New("worker: all targets unreachable")
)
