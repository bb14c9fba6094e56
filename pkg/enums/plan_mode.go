package enums

import (
	"fmt"
	"strings"
)

// PlanMode mirrors the checkout session mode that produced a plan.
type PlanMode string

const (
	PlanModeSubscription PlanMode = "subscription"
	PlanModePayment      PlanMode = "payment"
)

var validPlanModes = []PlanMode{
	PlanModeSubscription,
	PlanModePayment,
}

// String implements fmt.Stringer.
func (m PlanMode) String() string {
	return string(m)
}

// IsValid reports whether the value is known.
func (m PlanMode) IsValid() bool {
	for _, candidate := range validPlanModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParsePlanMode converts raw input into a PlanMode, ignoring case.
func ParsePlanMode(value string) (PlanMode, error) {
	mode := PlanMode(strings.ToLower(strings.TrimSpace(value)))
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid plan mode %q", value)
	}
	return mode, nil
}
