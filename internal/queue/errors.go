package queue

import "github.com/pkg/errors"

// Gateway error taxonomy. All of these are non-fatal to the process (the
// shared channel schedules its own reconnect) but fatal to the in-flight
// caller operation; none are retried internally.
var (
	ErrNotInitialized            = errors.New("queue gateway is not started")
	ErrConnectionFailure         = errors.New("broker connection failure")
	ErrChannelFailure            = errors.New("broker channel failure")
	ErrChannelClosedUnexpectedly = errors.New("broker channel closed unexpectedly")
	ErrPublishFailure            = errors.New("broker publish failure")
	ErrQueueDeclareFailure       = errors.New("queue declare failure")
)

type gatewayError struct {
	kind  error
	cause error
}

func (e *gatewayError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

// Unwrap exposes the taxonomy sentinel so callers can match with errors.Is
func (e *gatewayError) Unwrap() error {
	return e.kind
}

func wrapKind(kind, cause error) error {
	return &gatewayError{kind: kind, cause: cause}
}
