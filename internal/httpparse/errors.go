package httpparse

import "fmt"

// ProtocolError carries the HTTP status the parser wants the caller to
// send back for a malformed request.
type ProtocolError struct {
	Status int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %d %s", e.Status, e.Reason)
}

func newProtocolError(status int, reason string) *ProtocolError {
	return &ProtocolError{Status: status, Reason: reason}
}

var (
	errNeedMore = fmt.Errorf("httpparse: need more data")
)
