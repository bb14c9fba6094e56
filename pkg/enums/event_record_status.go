package enums

import "fmt"

// EventRecordStatus tracks a webhook event through the dedup log.
type EventRecordStatus string

const (
	EventRecordStatusPending   EventRecordStatus = "pending"
	EventRecordStatusProcessed EventRecordStatus = "processed"
	EventRecordStatusFailed    EventRecordStatus = "failed"
)

var validEventRecordStatuses = []EventRecordStatus{
	EventRecordStatusPending,
	EventRecordStatusProcessed,
	EventRecordStatusFailed,
}

// String implements fmt.Stringer.
func (s EventRecordStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is known.
func (s EventRecordStatus) IsValid() bool {
	for _, candidate := range validEventRecordStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the record can no longer change.
func (s EventRecordStatus) IsTerminal() bool {
	return s == EventRecordStatusProcessed || s == EventRecordStatusFailed
}

// ParseEventRecordStatus converts raw input into an EventRecordStatus.
func ParseEventRecordStatus(value string) (EventRecordStatus, error) {
	status := EventRecordStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid event record status %q", value)
	}
	return status, nil
}
