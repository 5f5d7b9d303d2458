package bus

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a correlated request's budget elapses with no
// matching response. The pending entry is removed; a response arriving later
// is discarded.
var ErrTimeout = errors.New("request timed out")

// ErrConnectionClosed rejects every pending request when the transport
// drops or the session logs out. Callers must treat the operation as
// unknown-outcome rather than failed: the daemon may have applied the
// effect before the socket went away.
var ErrConnectionClosed = errors.New("connection closed")

// RemoteError is a failure reported by the daemon itself: the response
// arrived with success=false, or with no success flag at all.
type RemoteError struct {
	Service string
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: daemon reported failure", e.Service, e.Command)
	}
	return fmt.Sprintf("%s %s: %s", e.Service, e.Command, e.Message)
}

// wrapRequestErr adds destination/command context to sentinel errors.
// RemoteError already carries both, so it passes through unchanged.
func wrapRequestErr(destination, command string, err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return fmt.Errorf("%s %s: %w", destination, command, err)
}
