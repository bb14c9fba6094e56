package models

import (
	"time"

	"gorm.io/datatypes"
)

// StripeState is the provider-shaped billing snapshot stored in users.stripe.
type StripeState struct {
	CustomerID       *string    `json:"customerId"`
	SubscriptionID   *string    `json:"subscriptionId"`
	PriceID          *string    `json:"priceId"`
	ProductID        *string    `json:"productId"`
	PlanTier         *string    `json:"planTier"`
	Mode             *string    `json:"mode"`
	Status           *string    `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd"`
	MessageAllowance *int       `json:"messageAllowance"`
	LastEventID      *string    `json:"lastEventId"`
	LastEventType    *string    `json:"lastEventType"`
	UpdatedAt        *time.Time `json:"updatedAt"`
}

// BillingState is the legacy snapshot stored in users.billing. Older readers
// still look here first for the allowance.
type BillingState struct {
	Status               *string    `json:"status"`
	Tier                 *string    `json:"tier"`
	PlanTier             *string    `json:"planTier"`
	Mode                 *string    `json:"mode"`
	StripeCustomerID     *string    `json:"stripeCustomerId"`
	StripeSubscriptionID *string    `json:"stripeSubscriptionId"`
	StripePriceID        *string    `json:"stripePriceId"`
	StripeProductID      *string    `json:"stripeProductId"`
	MessageAllowance     *int       `json:"messageAllowance"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd"`
	LastEventID          *string    `json:"lastEventId"`
	LastEventType        *string    `json:"lastEventType"`
	UpdatedAt            *time.Time `json:"updatedAt"`
}

// User is the per-Firebase-uid record holding quota counters and billing state.
type User struct {
	ID                      string                           `gorm:"column:id;type:text;primaryKey"`
	Email                   *string                          `gorm:"column:email"`
	Tier                    *string                          `gorm:"column:tier"`
	ExchangesUsed           int                              `gorm:"column:exchanges_used;not null;default:0"`
	CourtesyUsed            bool                             `gorm:"column:courtesy_used;not null;default:false"`
	LastBillingResetAt      *time.Time                       `gorm:"column:last_billing_reset_at"`
	Stripe                  datatypes.JSONType[StripeState]  `gorm:"column:stripe;type:jsonb;not null;default:'{}'"`
	Billing                 datatypes.JSONType[BillingState] `gorm:"column:billing;type:jsonb;not null;default:'{}'"`
	StripeCustomerID        *string                          `gorm:"column:stripe_customer_id;index"`
	BillingStripeCustomerID *string                          `gorm:"column:billing_stripe_customer_id;index"`
	LastEventCreatedAt      *time.Time                       `gorm:"column:last_event_created_at"`
	CreatedAt               time.Time                        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time                        `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }
