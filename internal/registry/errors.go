package registry

import "errors"

var (
	ErrMissingArgument  = errors.New("missing argument")
	ErrUnsupported      = errors.New("transport not supported on this platform")
	ErrConnect          = errors.New("connect failed")
	ErrWrite            = errors.New("write failed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrClosed           = errors.New("registry closed")
)
