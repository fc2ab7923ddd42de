package models

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks an inbound payload against its struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid %T: %w", v, err)
	}
	return nil
}

// ValidatePickupCode checks the code the rider reads out at pickup.
func ValidatePickupCode(code string) error {
	if err := validate.Var(code, "required,numeric,len=4"); err != nil {
		return fmt.Errorf("invalid pickup code: %w", err)
	}
	return nil
}
