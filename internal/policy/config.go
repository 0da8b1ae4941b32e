package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned when a policy fails validation
var ErrInvalidPolicy = errors.New("invalid policy")

// DefaultPolicy returns the stock policy the service starts with when no policy
// file or stored policy exists. Each call returns a fresh value.
func DefaultPolicy() Policy {
	return Policy{
		MaxAmounts: map[string]float64{
			"Meals":           100.00,
			"Travel":          500.00,
			"Office Supplies": 200.00,
			"Equipment":       1000.00,
			"Other":           300.00,
		},
		RequiredFields: []Field{FieldVendor, FieldDate, FieldAmount},
		MaxDaysOld:     30,
	}
}

// Validate reports unknown required fields and negative limits.
func (p Policy) Validate() error {
	for category, limit := range p.MaxAmounts {
		if limit < 0 {
			return fmt.Errorf("%w: limit for %q is negative", ErrInvalidPolicy, category)
		}
	}
	for _, f := range p.RequiredFields {
		switch f {
		case FieldVendor, FieldDate, FieldAmount:
		default:
			return fmt.Errorf("%w: unknown required field %q", ErrInvalidPolicy, f)
		}
	}
	if p.MaxDaysOld < 0 {
		return fmt.Errorf("%w: max_days_old is negative", ErrInvalidPolicy)
	}
	return nil
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("unmarshaling policy yaml: %w", err)
	}
	if p.MaxAmounts == nil {
		p.MaxAmounts = map[string]float64{}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadFile reads a YAML policy from path.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}
