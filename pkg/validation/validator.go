package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// Custom validator instance
	validate = validator.New()

	// Regex patterns for validation
	sourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ValidationError represents a validation error with field and message
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(messages, "; ")
}

// Register custom validators
func init() {
	validate.RegisterValidation("sourcename", validateSourceName)
	validate.RegisterValidation("isodate", validateISODate)
	validate.RegisterValidation("interval", validateInterval)
}

// validateSourceName validates source name format (lowercase key, no spaces)
func validateSourceName(fl validator.FieldLevel) bool {
	name, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return sourcePattern.MatchString(name)
}

// validateISODate validates a YYYY-MM-DD date string
func validateISODate(fl validator.FieldLevel) bool {
	s, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// validateInterval validates a poll/cooldown interval is sane: at least one
// second, at most a day. Anything shorter busy-loops against upstream.
func validateInterval(fl validator.FieldLevel) bool {
	d, ok := fl.Field().Interface().(time.Duration)
	if !ok {
		return false
	}
	return d >= time.Second && d <= 24*time.Hour
}

// ValidateStruct validates a struct using tags
func ValidateStruct(s interface{}) ValidationErrors {
	var errs ValidationErrors

	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, ve := range verrs {
				errs = append(errs, ValidationError{
					Field:   ve.Field(),
					Message: messageFor(ve),
					Value:   ve.Value(),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "struct", Message: err.Error()})
		}
	}
	return errs
}

// messageFor maps a validator tag to a human-readable message
func messageFor(ve validator.FieldError) string {
	switch ve.Tag() {
	case "required":
		return "field is required"
	case "sourcename":
		return "must be a lowercase source key (letters, digits, underscore)"
	case "isodate":
		return "must be a YYYY-MM-DD date"
	case "interval":
		return "must be between 1s and 24h"
	case "url":
		return "must be a valid URL"
	default:
		return fmt.Sprintf("failed %q validation", ve.Tag())
	}
}

// SanitizeString trims whitespace and strips control characters.
func SanitizeString(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
