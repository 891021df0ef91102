package services

import (
	"fmt"
	"strings"

	"github.com/crafter-station/cadence-sub000/internal/domain"
)

// ValidateID checks that an ID is not empty
func ValidateID(id string, entityType string) error {
	if id == "" {
		return domain.NewValidationError(entityType+"_id", "cannot be empty")
	}
	return nil
}

// ValidateRequired checks that a required string field is not blank
func ValidateRequired(value string, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewValidationError(fieldName, "is required")
	}
	return nil
}

// ValidateStringLength checks that a string's length is within the specified range
func ValidateStringLength(value string, fieldName string, minLen, maxLen int) error {
	length := len(value)
	if minLen > 0 && length < minLen {
		return domain.NewValidationError(fieldName,
			fmt.Sprintf("must be at least %d characters (got %d)", minLen, length))
	}
	if maxLen > 0 && length > maxLen {
		return domain.NewValidationError(fieldName,
			fmt.Sprintf("must be at most %d characters (got %d)", maxLen, length))
	}
	return nil
}

// ValidateIDPrefix checks that an ID carries the entity prefix, e.g. "eval_"
func ValidateIDPrefix(id, prefix, entityType string) error {
	if err := ValidateID(id, entityType); err != nil {
		return err
	}
	if !strings.HasPrefix(id, prefix) || len(id) <= len(prefix) {
		return domain.NewValidationError(entityType+"_id",
			fmt.Sprintf("must start with '%s' (got: %s)", prefix, id))
	}
	return nil
}
