package badges

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	slugPattern      = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	claimCodePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]+$`)
	behaviorPattern  = claimCodePattern
	slugSeparators   = regexp.MustCompile(`[^a-z0-9]+`)
	validate         = newValidator()
)

// ValidationError reports field-level validation failures. Nothing is written when it
// is returned.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "badges: validation failed"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return "badges: validation failed: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return strings.ToLower(field.Name)
		}
		return name
	})
	if err := v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("behavior", func(fl validator.FieldLevel) bool {
		return behaviorPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

func validateStruct(value interface{}) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	fields := make(map[string]string, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		fields[fieldPath(fieldErr.Namespace())] = fieldErr.Tag()
	}
	return &ValidationError{Fields: fields}
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return namespace
}

func validateBadge(badge BadgeDefinition) error {
	if err := validateStruct(badge); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(badge.Behaviors))
	for index, requirement := range badge.Behaviors {
		if _, dup := seen[requirement.Shortname]; dup {
			return &ValidationError{Fields: map[string]string{
				fmt.Sprintf("behaviors[%d].shortname", index): "unique",
			}}
		}
		seen[requirement.Shortname] = struct{}{}
	}
	return nil
}

func validateIssuer(issuer Issuer) error {
	return validateStruct(issuer)
}

func validateIdentifier(field, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &ValidationError{Fields: map[string]string{field: "required"}}
	}
	if len(trimmed) > maxIdentifierLength {
		return &ValidationError{Fields: map[string]string{field: "max"}}
	}
	return nil
}

func validateBehaviorNames(behaviors []string) error {
	fields := make(map[string]string)
	for index, behavior := range behaviors {
		switch {
		case behavior == "":
			fields[fmt.Sprintf("behaviors[%d]", index)] = "required"
		case len(behavior) > maxBehaviorLength:
			fields[fmt.Sprintf("behaviors[%d]", index)] = "max"
		case !behaviorPattern.MatchString(behavior):
			fields[fmt.Sprintf("behaviors[%d]", index)] = "behavior"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validateClaimCodes(codes []string) error {
	fields := make(map[string]string)
	for index, code := range codes {
		switch {
		case code == "":
			fields[fmt.Sprintf("codes[%d]", index)] = "required"
		case len(code) > maxClaimCodeLength:
			fields[fmt.Sprintf("codes[%d]", index)] = "max"
		case !claimCodePattern.MatchString(code):
			fields[fmt.Sprintf("codes[%d]", index)] = "urlsafe"
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Slugify derives a URL-safe shortname from a display name.
func Slugify(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	return strings.Trim(slugSeparators.ReplaceAllString(lowered, "-"), "-")
}
