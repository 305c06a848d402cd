package dispatch

import (
	"fmt"
)

type Kind string

const (
	KindTransportExhausted Kind = "transport_exhausted"
	KindPublishRejected    Kind = "publish_rejected"
	KindInvalidWorkItem    Kind = "invalid_work_item"
	KindNotDispatchable    Kind = "not_dispatchable"
	KindNoIndicators       Kind = "no_indicators"
	KindAlreadyDispatched  Kind = "already_dispatched"
	KindInProgress         Kind = "dispatch_in_progress"
)

// Sentinels for errors.Is; an *Error matches any sentinel of the same Kind.
var (
	ErrTransportExhausted = &Error{Kind: KindTransportExhausted}
	ErrPublishRejected    = &Error{Kind: KindPublishRejected}
	ErrInvalidWorkItem    = &Error{Kind: KindInvalidWorkItem}
	ErrNotDispatchable    = &Error{Kind: KindNotDispatchable}
	ErrNoIndicators       = &Error{Kind: KindNoIndicators}
	ErrAlreadyDispatched  = &Error{Kind: KindAlreadyDispatched}
	ErrInProgress         = &Error{Kind: KindInProgress}
)

type Error struct {
	Kind     Kind
	ReportID int64
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("dispatch report %d: %s", e.ReportID, e.Kind)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retriable reports whether the same dispatch may succeed later without
// operator action.
func (e *Error) Retriable() bool {
	return e.Kind == KindTransportExhausted || e.Kind == KindInProgress
}
