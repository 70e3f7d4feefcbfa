// Package engine contains the Keystone record core: field-definition driven
// validation, the record store, and the optimistic concurrency service.
package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/veristone/keystone/internal/errors"
	"github.com/veristone/keystone/internal/models"
)

// dateFloor is the earliest date accepted for required date fields.
var dateFloor = time.Unix(0, 0).UTC()

// dateLayouts are the accepted textual date formats, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FieldRule validates one submitted value against one field definition.
type FieldRule interface {
	Validate(value interface{}) error
}

// ruleFunc adapts a function to the FieldRule interface.
type ruleFunc func(value interface{}) error

func (f ruleFunc) Validate(value interface{}) error {
	return f(value)
}

// ValidationResult enumerates the fields that failed and why. A result with
// no field errors is a pass.
type ValidationResult struct {
	Errors []apperrors.FieldError
}

// Valid reports whether the candidate data passed every field rule.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AsError converts a failing result into a ValidationError, or nil on pass.
func (r *ValidationResult) AsError() error {
	if r.Valid() {
		return nil
	}
	return apperrors.NewValidationError(r.Errors)
}

func (r *ValidationResult) addError(field, message string) {
	r.Errors = append(r.Errors, apperrors.FieldError{Field: field, Message: message})
}

// =============================================================================
// RULE CONSTRUCTION
// =============================================================================

// BuildRule translates a field definition into a type-specific rule.
// Definitions with an unrecognized type produce a fail-open rule so that
// forward-compatible field types never block writes. The only hard failure
// is a malformed definition, currently an uncompilable pattern.
func BuildRule(field *models.FieldDefinition) (FieldRule, error) {
	switch field.Type {
	case models.FieldText, models.FieldTextarea:
		var pattern *regexp.Regexp
		if field.Pattern != "" {
			compiled, err := regexp.Compile(field.Pattern)
			if err != nil {
				return nil, fmt.Errorf("field '%s' has invalid pattern: %w", field.FieldKey, err)
			}
			pattern = compiled
		}
		return textRule(field, pattern), nil
	case models.FieldNumber:
		return numberRule(field), nil
	case models.FieldDate:
		return dateRule(field), nil
	case models.FieldCheckbox:
		return checkboxRule(field), nil
	case models.FieldSelect, models.FieldRadio:
		return optionRule(field), nil
	case models.FieldFile, models.FieldImage:
		return fileRule(field), nil
	default:
		// Fail-open for unknown types.
		return ruleFunc(func(interface{}) error { return nil }), nil
	}
}

func textRule(field *models.FieldDefinition, pattern *regexp.Regexp) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil {
			if field.Required {
				return fmt.Errorf("%s is required", field.Label)
			}
			return nil
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be text", field.Label)
		}
		if field.Required && strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field.Label)
		}
		if field.MinLength != nil && len(s) < *field.MinLength {
			return fmt.Errorf("%s must be at least %d characters", field.Label, *field.MinLength)
		}
		if field.MaxLength != nil && len(s) > *field.MaxLength {
			return fmt.Errorf("%s must be at most %d characters", field.Label, *field.MaxLength)
		}
		if pattern != nil && s != "" && !pattern.MatchString(s) {
			return fmt.Errorf("%s has an invalid format", field.Label)
		}
		return nil
	})
}

func numberRule(field *models.FieldDefinition) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil {
			if field.Required {
				return fmt.Errorf("%s is required", field.Label)
			}
			return nil
		}
		n, ok := toNumber(value)
		if !ok {
			return fmt.Errorf("%s must be a number", field.Label)
		}
		if field.MinValue != nil && n < *field.MinValue {
			return fmt.Errorf("%s must be at least %v", field.Label, *field.MinValue)
		}
		if field.MaxValue != nil && n > *field.MaxValue {
			return fmt.Errorf("%s must be at most %v", field.Label, *field.MaxValue)
		}
		return nil
	})
}

func dateRule(field *models.FieldDefinition) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil {
			if field.Required {
				return fmt.Errorf("%s is required", field.Label)
			}
			return nil
		}
		t, ok := toDate(value)
		if !ok {
			return fmt.Errorf("%s must be a valid date", field.Label)
		}
		if field.Required && t.Before(dateFloor) {
			return fmt.Errorf("%s must be a valid date", field.Label)
		}
		return nil
	})
}

func checkboxRule(field *models.FieldDefinition) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil {
			return nil
		}
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s must be true or false", field.Label)
		}
		return nil
	})
}

func optionRule(field *models.FieldDefinition) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil {
			if field.Required {
				return fmt.Errorf("%s is required", field.Label)
			}
			return nil
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be text", field.Label)
		}
		if field.Required && s == "" {
			return fmt.Errorf("%s is required", field.Label)
		}
		if s != "" && len(field.Options) > 0 && !field.HasOption(s) {
			return fmt.Errorf("%s must be one of: %s", field.Label, strings.Join(field.Options, ", "))
		}
		return nil
	})
}

func fileRule(field *models.FieldDefinition) FieldRule {
	return ruleFunc(func(value interface{}) error {
		if value == nil && field.Required {
			return fmt.Errorf("%s is required", field.Label)
		}
		return nil
	})
}

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator validates and sanitizes candidate record data against the
// enabled field definitions of a (module, entity).
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks data against the given definitions. Data failures are
// reported through the result, never through the error return; the error is
// reserved for malformed definitions.
func (v *Validator) Validate(data map[string]interface{}, fields []models.FieldDefinition) (*ValidationResult, error) {
	result := &ValidationResult{}

	for i := range fields {
		field := &fields[i]
		if !field.IsEnabled {
			continue
		}
		rule, err := BuildRule(field)
		if err != nil {
			return nil, err
		}
		value, exists := data[field.FieldKey]
		if !exists {
			value = nil
		}
		if err := rule.Validate(value); err != nil {
			result.addError(field.FieldKey, err.Error())
		}
	}

	return result, nil
}

// Sanitize coerces present values to their declared type and fills defaults
// for absent fields. Fields with neither a value nor a default are omitted.
// Keys without a matching enabled definition are dropped: historical data for
// since-disabled fields is preserved by the merge in the write path, not by
// the sanitizer.
func (v *Validator) Sanitize(data map[string]interface{}, fields []models.FieldDefinition) map[string]interface{} {
	out := make(map[string]interface{})

	for i := range fields {
		field := &fields[i]
		if !field.IsEnabled {
			continue
		}

		value, exists := data[field.FieldKey]
		if !exists || value == nil {
			if field.DefaultValue != nil {
				out[field.FieldKey] = coerceDefault(field)
			} else if field.Type == models.FieldCheckbox {
				out[field.FieldKey] = false
			}
			continue
		}

		out[field.FieldKey] = coerceValue(field, value)
	}

	return out
}

// SanitizePatch coerces only the keys present in the input, without filling
// defaults. Update paths use it so a partial patch never resets untouched
// fields to their defaults.
func (v *Validator) SanitizePatch(data map[string]interface{}, fields []models.FieldDefinition) map[string]interface{} {
	out := make(map[string]interface{})

	for i := range fields {
		field := &fields[i]
		if !field.IsEnabled {
			continue
		}
		value, exists := data[field.FieldKey]
		if !exists {
			continue
		}
		if value == nil {
			out[field.FieldKey] = nil
			continue
		}
		out[field.FieldKey] = coerceValue(field, value)
	}

	return out
}

func coerceValue(field *models.FieldDefinition, value interface{}) interface{} {
	switch field.Type {
	case models.FieldNumber:
		if n, ok := toNumber(value); ok {
			return n
		}
	case models.FieldDate:
		if t, ok := toDate(value); ok {
			return t.UTC().Format(time.RFC3339)
		}
	case models.FieldCheckbox:
		if b, ok := toBool(value); ok {
			return b
		}
	}
	return value
}

func coerceDefault(field *models.FieldDefinition) interface{} {
	raw := *field.DefaultValue
	switch field.Type {
	case models.FieldNumber:
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return n
		}
	case models.FieldCheckbox:
		return raw == "true" || raw == "1"
	case models.FieldDate:
		if t, ok := toDate(raw); ok {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return raw
}

// =============================================================================
// COERCION HELPERS
// =============================================================================

func toNumber(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(value interface{}) (bool, bool) {
	switch b := value.(type) {
	case bool:
		return b, true
	case string:
		switch b {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no", "":
			return false, true
		}
	}
	return false, false
}

func toDate(value interface{}) (time.Time, bool) {
	switch d := value.(type) {
	case time.Time:
		return d, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
