package emailrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no reply matched a request before its
	// timeout elapsed.
	ErrTimeout = errors.New("request timeout")

	// ErrEmptyResponse is returned when the reply to a request carried no
	// usable payload.
	ErrEmptyResponse = errors.New("empty response")

	// ErrDuplicateRequest is returned when a request id is already pending.
	ErrDuplicateRequest = errors.New("request id already pending")

	// ErrAlreadyResolved is returned when a request id has already
	// completed and cannot be reused.
	ErrAlreadyResolved = errors.New("request id already resolved")

	// ErrStopped is returned for requests outstanding when the controller
	// shuts down, and for requests made after that.
	ErrStopped = errors.New("controller stopped")

	// ErrNotStarted is returned when a request is made before Start.
	ErrNotStarted = errors.New("controller not started")
)

// RequestError wraps the cause of a failed request with its correlation id
// and the stage that failed.
type RequestError struct {
	RequestID string
	Command   string

	// Op is the failing stage: "register", "dispatch", "await" or
	// "receive".
	Op  string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s (%s) %s: %v", e.RequestID, e.Command,
		e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// OutcomeKind classifies what the reply handler did with one message.
type OutcomeKind uint8

const (
	// Ignored messages are not filterctl replies.
	Ignored OutcomeKind = iota

	// Duplicate messages were already handled under the same transport
	// message id.
	Duplicate

	// MissingID messages carry no correlation header.
	MissingID

	// AlreadyResolved replies name a request that has already completed.
	AlreadyResolved

	// Resolved replies completed a pending request.
	Resolved

	// Rejected replies matched a pending request but carried no usable
	// payload, so the request failed.
	Rejected

	// Stashed replies were queued to wait for their request.
	Stashed

	// Malformed replies had an undecodable body and matched nothing.
	Malformed
)

var outcomeNames = [...]string{
	Ignored:         "ignored",
	Duplicate:       "duplicate",
	MissingID:       "missing-id",
	AlreadyResolved: "already-resolved",
	Resolved:        "resolved",
	Rejected:        "rejected",
	Stashed:         "stashed",
	Malformed:       "malformed",
}

func (k OutcomeKind) String() string {
	if int(k) < len(outcomeNames) {
		return outcomeNames[k]
	}
	return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
}

// ReceiveOutcome reports how one inbound message was handled.
type ReceiveOutcome struct {
	MessageID string
	RequestID string
	Kind      OutcomeKind

	// Mismatch is set when the correlation id echoed in the body differs
	// from the header. The header id is used regardless.
	Mismatch bool
}
