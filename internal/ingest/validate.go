package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid payload")

// Validator checks payload struct tags.
type Validator struct {
	v *validator.Validate
}

// NewValidator returns a Validator with required-struct checks enabled.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Check validates p. The returned error wraps ErrInvalid and names the failing fields.
func (v *Validator) Check(p any) error {
	err := v.v.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Namespace()+":"+fe.Tag())
		}
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ","))
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}
