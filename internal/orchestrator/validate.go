package orchestrator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/catalog-enricher/internal/domain"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report request field names as clients send them
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return domain.NewValidationError("", err.Error())
	}

	fe := fieldErrs[0]
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	case "gte":
		msg = "must be greater than or equal to " + fe.Param()
	case "gtefield":
		msg = "must not be before startRow"
	default:
		msg = "failed on " + fe.Tag()
	}
	return domain.NewValidationError(fe.Field(), msg)
}
