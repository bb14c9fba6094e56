package models

import (
	"time"

	"github.com/luciadecode/lucia-billing/pkg/enums"
)

// StripeEvent is the dedup and audit record for one delivered webhook event.
type StripeEvent struct {
	ID             string                  `gorm:"column:id;type:text;primaryKey"`
	Type           string                  `gorm:"column:type;not null"`
	Status         enums.EventRecordStatus `gorm:"column:status;type:text;not null"`
	EventCreatedAt *time.Time              `gorm:"column:event_created_at"`
	InsertedAt     time.Time               `gorm:"column:inserted_at;not null"`
	ProcessedAt    *time.Time              `gorm:"column:processed_at"`
	FailedAt       *time.Time              `gorm:"column:failed_at"`
	Error          *string                 `gorm:"column:error"`
}

func (StripeEvent) TableName() string { return "stripe_events" }
