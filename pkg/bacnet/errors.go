package bacnet

import (
	"errors"
)

var (
	ErrInvalidData      = errors.New("invalid data")
	ErrInsufficientData = errors.New("unexpected end of data")
	ErrValueTooLarge    = errors.New("value too large for context")
	ErrNotImplemented   = errors.New("not implemented")

	// ErrMalformed, ErrReject, and ErrAbort name the three wire-level
	// decode outcomes. Decoders in this module wrap ErrMalformed (or
	// ErrInvalidData/ErrInsufficientData above); none returns ErrReject or
	// ErrAbort. tsm.Dispatcher does not tell them apart: it answers every
	// handler error other than a bacnet.ServiceError with an Abort.
	ErrMalformed = errors.New("malformed apdu")
	ErrReject    = errors.New("value rejected for context")
	ErrAbort     = errors.New("request aborted")
)
