package services

import (
	"fmt"

	"github.com/longregen/teleprompt/internal/domain"
)

// ValidateRequired checks that a required string field is not empty
func ValidateRequired(value string, fieldName string) error {
	if value == "" {
		return domain.NewDomainError(domain.ErrInvalidInput, fieldName+" is required")
	}
	return nil
}

// ValidateNonNegative checks that a number is zero or positive
func ValidateNonNegative(value int, fieldName string) error {
	if value < 0 {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must not be negative (got %d)", fieldName, value))
	}
	return nil
}

// ValidateFraction checks that a ratio lies in (0, 1]
func ValidateFraction(value float64, fieldName string) error {
	if value <= 0 || value > 1 {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be in (0, 1] (got %g)", fieldName, value))
	}
	return nil
}
