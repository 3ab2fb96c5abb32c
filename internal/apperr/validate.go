package apperr

import (
	"errors"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs struct validation and turns failures into a VALIDATION error
// naming each offending field and the rule it broke.
func Validate(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return Validation("invalid input")
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field()+" "+fe.Tag())
	}
	sort.Strings(fields)
	return Validation("invalid input: %s", strings.Join(fields, ", "))
}
