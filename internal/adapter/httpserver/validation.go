package httpserver

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkStruct validates a tagged request body, mapping failures onto the
// invalid_input envelope.
func checkStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
