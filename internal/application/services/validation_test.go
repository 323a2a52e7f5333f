package services

import (
	"errors"
	"testing"

	"github.com/longregen/teleprompt/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestValidateRequired(t *testing.T) {
	assert.NoError(t, ValidateRequired("run", "name"))

	err := ValidateRequired("", "name")
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Contains(t, err.Error(), "name is required")
}

func TestValidateNonNegative(t *testing.T) {
	assert.NoError(t, ValidateNonNegative(0, "count"))
	assert.Error(t, ValidateNonNegative(-1, "count"))
}

func TestValidateFraction(t *testing.T) {
	assert.NoError(t, ValidateFraction(1, "split"))
	assert.NoError(t, ValidateFraction(0.25, "split"))
	assert.Error(t, ValidateFraction(0, "split"))
	assert.Error(t, ValidateFraction(1.01, "split"))
}
