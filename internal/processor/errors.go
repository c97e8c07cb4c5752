package processor

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// ErrorType is the processing-failure class that drives the ack/nak/dead-letter decision.
type ErrorType string

const (
	ErrorTransient     ErrorType = "TRANSIENT"
	ErrorSystem        ErrorType = "SYSTEM"
	ErrorBusinessLogic ErrorType = "BUSINESS_LOGIC"
	ErrorPoison        ErrorType = "POISON"
)

// ErrProcessingTimeout is returned when a handler outlives the dispatch deadline.
var ErrProcessingTimeout = errors.New("processing timeout")

// ProcessingError is a classified handler failure.
type ProcessingError struct {
	Type      ErrorType
	Retryable bool
	Message   string
	Metadata  map[string]string
	Err       error

	stack error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Stack returns the stack captured when the error was classified.
func (e *ProcessingError) Stack() string {
	if e.stack == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.stack)
}

// WithMetadata attaches a key/value pair carried into the dead-letter record.
func (e *ProcessingError) WithMetadata(key, value string) *ProcessingError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func newProcessingError(t ErrorType, retryable bool, err error) *ProcessingError {
	if err == nil {
		err = errors.New(string(t))
	}
	return &ProcessingError{
		Type:      t,
		Retryable: retryable,
		Message:   err.Error(),
		Err:       err,
		stack:     pkgerrors.WithStack(err),
	}
}

// Transient marks err as environmental flakiness: bounded retry with backoff.
func Transient(err error) *ProcessingError {
	return newProcessingError(ErrorTransient, true, err)
}

// System marks err as an internal defect: two cheap retries, then dead-letter.
func System(err error) *ProcessingError {
	return newProcessingError(ErrorSystem, true, err)
}

// BusinessLogic marks a well-formed message whose action is invalid; never retried.
func BusinessLogic(err error) *ProcessingError {
	return newProcessingError(ErrorBusinessLogic, false, err)
}

// Poison marks a message that cannot be understood; never retried.
func Poison(err error) *ProcessingError {
	return newProcessingError(ErrorPoison, false, err)
}

// AsProcessingError unwraps err to a *ProcessingError when one is in the chain.
func AsProcessingError(err error) (*ProcessingError, bool) {
	var perr *ProcessingError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// DeferredError asks the processor to redeliver the message at Until.
// It is not a failure and never dead-letters.
type DeferredError struct {
	Until time.Time
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("deferred until %s", e.Until.UTC().Format(time.RFC3339Nano))
}

// AsDeferred reports whether err asks for a deferral.
func AsDeferred(err error) (*DeferredError, bool) {
	var derr *DeferredError
	if errors.As(err, &derr) {
		return derr, true
	}
	return nil, false
}
