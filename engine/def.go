package engine

import "errors"

// Engine states. IDLE and BUSY are the two sub-states of a ready engine.
const (
	UNINITIALIZED = 0x0001
	INITIALIZING  = 0x0002
	IDLE          = 0x0003
	BUSY          = 0x0004
	ERROR         = 0x0005
	CLOSED        = 0x0006
)

func StateName(state int) string {
	switch state {
	case UNINITIALIZED:
		return "uninitialized"
	case INITIALIZING:
		return "initializing"
	case IDLE:
		return "ready"
	case BUSY:
		return "busy"
	case ERROR:
		return "error"
	case CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady      = errors.New("classifier not ready")
	ErrInitFailed    = errors.New("classifier unavailable")
	ErrClosed        = errors.New("classifier closed")
	ErrNotCalibrated = errors.New("source image is not calibrated")
	ErrUnknownLabel  = errors.New("model output index has no label")
	ErrInvalidModel  = errors.New("invalid model name")
)
