package record

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports the fields that failed validation.
type ValidationError struct {
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid recommendation: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return e.Err }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("estado", func(fl validator.FieldLevel) bool {
			return Estado(fl.Field().String()).Valid()
		})
	})
	return validate
}

// Validate checks the invariants every stored record must satisfy.
func (r *Recommendation) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return &ValidationError{Fields: fields, Err: err}
		}
		return fmt.Errorf("failed to validate recommendation: %w", err)
	}
	if !r.SyncStatus.Valid() {
		return &ValidationError{Fields: []string{"Recommendation.SyncStatus (status)"}}
	}
	return nil
}
