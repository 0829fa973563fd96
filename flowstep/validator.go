package flowstep

import "encoding/json"

// Validator is the opaque type checker a Job's input/output is checked
// against. It mirrors a JSON-schema-style parse: feed it the canonical
// decoded value, get back a typed value or an error. Jobs wrap parse
// failures as implicit system steps (see run.go), so Validator never needs
// to know about steps, tasks, or storage.
type Validator[T any] interface {
	Parse(v any) (T, error)
}

// ValidatorFunc adapts a plain function to a Validator.
type ValidatorFunc[T any] func(v any) (T, error)

func (f ValidatorFunc[T]) Parse(v any) (T, error) { return f(v) }

// structValidator round-trips v through JSON into a T and then runs it
// through go-playground/validator's struct tags, the same way the rest of
// this codebase's request/response types are checked at the edges.
type structValidator[T any] struct {
	v *validatorAdapter
}

// NewStructValidator builds a Validator[T] that decodes the incoming value
// into T via JSON marshal/unmarshal (so it accepts map[string]any, []byte,
// or an already-typed T) and then applies struct validation tags.
func NewStructValidator[T any]() Validator[T] {
	return &structValidator[T]{v: newValidatorAdapter()}
}

func (s *structValidator[T]) Parse(in any) (T, error) {
	var out T
	b, err := toJSONBytes(in)
	if err != nil {
		return out, &ValidatorError{Err: err}
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, &ValidatorError{Err: err}
	}
	if err := s.v.Struct(out); err != nil {
		return out, &ValidatorError{Err: err}
	}
	return out, nil
}

func toJSONBytes(in any) ([]byte, error) {
	switch v := in.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
