package canon

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SerializedError is the {name, message, stack, cause?} shape stored in a
// step or task's data column for a failed outcome.
type SerializedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Stack   string           `json:"stack,omitempty"`
	Cause   *SerializedError `json:"cause,omitempty"`
}

// stackTracer is implemented by error values that can describe where they
// originated; callers constructing engine errors may satisfy it, but it is
// never required.
type stackTracer interface {
	Stack() string
}

// named is implemented by error values that want a name distinct from their
// Go type (e.g. "TimeoutError" instead of "*flowstep.timeoutError").
type named interface {
	ErrorName() string
}

// SerializeError walks err and its cause chain (via errors.Unwrap) into a
// SerializedError, matching spec.md §4.1/§7: {name, message, stack, cause}.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	out := &SerializedError{Message: err.Error()}
	if n, ok := err.(named); ok {
		out.Name = n.ErrorName()
	} else {
		out.Name = fmt.Sprintf("%T", err)
	}
	if st, ok := err.(stackTracer); ok {
		out.Stack = st.Stack()
	}
	if cause := errors.Unwrap(err); cause != nil {
		out.Cause = SerializeError(cause)
	}
	return out
}

// hydratedError is the error value HydrateError produces: it preserves name,
// message, stack and supports errors.Unwrap for its cause chain.
type hydratedError struct {
	name    string
	message string
	stack   string
	cause   error
}

func (e *hydratedError) Error() string    { return e.message }
func (e *hydratedError) ErrorName() string { return e.name }
func (e *hydratedError) Stack() string     { return e.stack }
func (e *hydratedError) Unwrap() error     { return e.cause }

// HydrateError rebuilds an error value from a SerializedError, preserving
// the cause chain so errors.Unwrap/errors.As still work on the rehydrated
// value.
func HydrateError(s *SerializedError) error {
	if s == nil {
		return nil
	}
	var cause error
	if s.Cause != nil {
		cause = HydrateError(s.Cause)
	}
	return &hydratedError{name: s.Name, message: s.Message, stack: s.Stack, cause: cause}
}

// MarshalErrorJSON serializes err directly to the stored JSON form, or
// returns "null" for a nil error.
func MarshalErrorJSON(err error) ([]byte, error) {
	return json.Marshal(SerializeError(err))
}

// UnmarshalErrorJSON is the inverse of MarshalErrorJSON.
func UnmarshalErrorJSON(data []byte) (error, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var s SerializedError
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return HydrateError(&s), nil
}
