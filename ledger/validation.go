package ledger

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Both only fail on programmer error (duplicate tag or nil func).
	_ = v.RegisterValidation("finite", isFinite)
	_ = v.RegisterValidation("timestamp", isTimestamp)
	return v
}

func isFinite(fl validator.FieldLevel) bool {
	f := fl.Field()
	switch f.Kind() {
	case reflect.Float32, reflect.Float64:
		x := f.Float()
		return !math.IsNaN(x) && !math.IsInf(x, 0)
	}
	return false
}

// isTimestamp accepts RFC 3339 timestamps with or without fractional seconds.
func isTimestamp(fl validator.FieldLevel) bool {
	_, err := time.Parse(time.RFC3339Nano, fl.Field().String())
	return err == nil
}

// check validates s and converts validator failures into a *ValidationError.
func (l *Ledger) check(s any) error {
	err := l.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Message: "invalid input", Fields: fields, cause: err}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "finite":
		return "must be a finite number"
	case "ne":
		return "must not be " + fe.Param()
	case "timestamp":
		return "must be an ISO-8601 timestamp"
	}
	return fmt.Sprintf("failed on '%s' tag", fe.Tag())
}
