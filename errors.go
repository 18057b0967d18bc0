package netdicom

import (
	"fmt"

	"github.com/pacslink/go-netdicom/dimse"
	"github.com/pacslink/go-netdicom/pdu"
	"github.com/pkg/errors"
)

// ErrReleased is reported when the peer released the association. It marks a
// graceful end, not a failure.
var ErrReleased = errors.New("netdicom: association released by peer")

// ErrUnknownAE is returned by AEResolver implementations for titles they do
// not know.
var ErrUnknownAE = errors.New("netdicom: unknown AE title")

// errClosed is returned by operations attempted after the association ended
// for a reason the caller already saw.
var errClosed = errors.New("netdicom: association is closed")

// IsReleased reports whether err says the peer released the association.
func IsReleased(err error) bool {
	return errors.Is(err, ErrReleased)
}

// ProtocolError reports a malformed or out-of-sequence PDU. By the time it is
// returned the association has been aborted and its connection closed.
type ProtocolError struct {
	Label string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol violation: %v", e.Label, e.Err)
}

func (e *ProtocolError) Cause() error  { return e.Err }
func (e *ProtocolError) Unwrap() error { return e.Err }

// RejectError is returned by the requestor when the peer answers
// A-ASSOCIATE-RQ with A-ASSOCIATE-RJ, and by the acceptor when it rejects a
// request.
type RejectError struct {
	Result pdu.RejectResult
	Source pdu.RejectSource
	Reason pdu.RejectReason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("netdicom: association rejected: result %v, source %v, reason %v", e.Result, e.Source, e.Reason)
}

// AbortError reports an A-ABORT received from the peer.
type AbortError struct {
	Source pdu.AbortSource
	Reason pdu.AbortReason
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("netdicom: association aborted by peer: source %v, reason %v", e.Source, e.Reason)
}

// StatusError reports a DIMSE response whose status is neither success nor
// warning. The association is still usable.
type StatusError struct {
	Op     string
	Status dimse.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("netdicom: %s failed: %v", e.Op, e.Status)
}

func checkStatus(op string, s dimse.Status) error {
	if s.Status.IsSuccessOrWarning() {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}
