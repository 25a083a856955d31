package relay

import (
	"errors"

	"relaybroker/internal/access"
	"relaybroker/internal/stream"
)

var (
	ErrNoSession       = errors.New("relay: connection is not bound to a session")
	ErrAttendedSession = errors.New("relay: not allowed on an attended session")
	ErrAgentOffline    = errors.New("relay: agent is not connected")
	ErrNotPaired       = access.ErrNotPaired
	ErrUnknownStream   = errors.New("relay: stream is not open on this connection")
	ErrUnknownDevice   = errors.New("relay: device is not registered")
	ErrNoAttendedCode  = errors.New("relay: could not allocate an attended session code")
)

// Reason maps an operation error to the reason code sent in results.
func Reason(err error) string {
	if r, ok := access.ReasonOf(err); ok {
		return string(r)
	}
	switch {
	case errors.Is(err, stream.ErrStreamTimeout):
		return "streamTimeout"
	case errors.Is(err, ErrNoSession):
		return "noSession"
	case errors.Is(err, ErrAttendedSession):
		return "attendedSession"
	case errors.Is(err, ErrAgentOffline):
		return "agentOffline"
	case errors.Is(err, ErrUnknownStream), errors.Is(err, stream.ErrDuplicateStream):
		return "badStream"
	case errors.Is(err, ErrUnknownDevice):
		return "unknownDevice"
	default:
		return "transportError"
	}
}

// Message is the human-readable text for a failed result.
func Message(err error) string {
	var f *access.Failure
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
