package flowstep

import "github.com/go-playground/validator/v10"

// validatorAdapter isolates the go-playground/validator dependency to one
// file; structValidator only ever sees Struct(any) error.
type validatorAdapter struct {
	v *validator.Validate
}

func newValidatorAdapter() *validatorAdapter {
	return &validatorAdapter{v: validator.New(validator.WithRequiredStructEnabled())}
}

func (a *validatorAdapter) Struct(v any) error {
	return a.v.Struct(v)
}
