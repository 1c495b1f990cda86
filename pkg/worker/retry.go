package worker

import (
	"context"
	"errors"
)

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy defines a policy for retrying failed messages.
type RetryPolicy interface {
	OnError(ctx context.Context, evt *Event, err error) RetryDecision
}

// NoRetry nacks every failed message except permanent failures, which are
// acked so a poison message is not redelivered forever.
type NoRetry struct{}

// OnError returns a decision to not retry and, unless err is permanent, to Nack.
func (NoRetry) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	if IsPermanent(err) {
		return RetryDecision{}
	}
	return RetryDecision{Retry: false, Nack: true}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
