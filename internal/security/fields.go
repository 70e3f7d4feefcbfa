// Package security provides input-safety utilities for the Keystone core.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidFieldKeyRegex matches valid field keys: lowercase alphanumerics and
// hyphens, starting with a letter.
var ValidFieldKeyRegex = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ValidateFieldKey checks that a string is usable as a field key. Field keys
// end up inside JSONB path expressions, so nothing outside the allow-list is
// ever accepted.
func ValidateFieldKey(key string) error {
	if key == "" {
		return fmt.Errorf("field key cannot be empty")
	}
	if len(key) > 50 {
		return fmt.Errorf("field key too long (max 50 characters)")
	}
	if !ValidFieldKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid field key: must contain only lowercase letters, numbers, and hyphens, starting with a letter")
	}
	return nil
}

// EscapeLikePattern escapes special characters in LIKE patterns
func EscapeLikePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, `\`, `\\`)
	pattern = strings.ReplaceAll(pattern, `%`, `\%`)
	pattern = strings.ReplaceAll(pattern, `_`, `\_`)
	return pattern
}

// DataFilterCondition builds a safe equality condition against one key of
// the JSONB data column. The key is validated before being interpolated; the
// value is always parameterized.
func DataFilterCondition(key string) (string, error) {
	if err := ValidateFieldKey(key); err != nil {
		return "", err
	}
	return fmt.Sprintf("data->>'%s' = ?", key), nil
}

// DataSearchCondition builds a safe ILIKE condition against one key of the
// JSONB data column. Returns the condition and the parameter.
func DataSearchCondition(key, searchTerm string) (string, string, error) {
	if err := ValidateFieldKey(key); err != nil {
		return "", "", err
	}
	escaped := EscapeLikePattern(searchTerm)
	condition := fmt.Sprintf(`data->>'%s' ILIKE ? ESCAPE '\'`, key)
	return condition, "%" + escaped + "%", nil
}
