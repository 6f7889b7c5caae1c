package messaging

import "errors"

// ErrCapacityExhausted is returned by Enqueue when the message arena has
// no free slots. The caller should answer 503.
var ErrCapacityExhausted = errors.New("messaging: capacity exhausted")
