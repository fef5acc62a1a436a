package stage

import "errors"

var (
	ErrToolFailed = errors.New("tool exited with non-zero status")
	ErrTimedOut   = errors.New("timed out")
)
