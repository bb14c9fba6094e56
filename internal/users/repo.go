package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/luciadecode/lucia-billing/internal/tiers"
	"github.com/luciadecode/lucia-billing/pkg/db/models"
	"github.com/luciadecode/lucia-billing/pkg/enums"
)

// Repository exposes user billing persistence operations.
type Repository struct {
	db            *gorm.DB
	orderingGuard bool
	now           func() time.Time
}

// Option customizes a Repository.
type Option func(*Repository)

// WithOrderingGuard makes ApplyPlanUpdate skip events older than the last
// applied one.
func WithOrderingGuard(enabled bool) Option {
	return func(r *Repository) {
		r.orderingGuard = enabled
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository constructs a users repo bound to the provided GORM DB.
func NewRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindByID loads a user by Firebase uid. It returns gorm.ErrRecordNotFound
// when the row does not exist.
func (r *Repository) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByCustomerID resolves a user from a Stripe customer id, checking the
// current location first and the legacy billing location second. A nil user
// with a nil error means no match.
func (r *Repository) FindByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	for _, column := range []string{"stripe_customer_id", "billing_stripe_customer_id"} {
		var user models.User
		err := r.db.WithContext(ctx).
			Where(column+" = ?", customerID).
			Order("updated_at DESC").
			Limit(1).
			Find(&user).Error
		if err != nil {
			return nil, err
		}
		if user.ID != "" {
			return &user, nil
		}
	}
	return nil, nil
}

// PlanUpdate is everything one webhook event contributes to a user record.
type PlanUpdate struct {
	UID              string
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	ProductID        string
	Tier             string
	Mode             string
	Status           string
	CurrentPeriodEnd *time.Time
	MessageAllowance *int
	ResetUsage       bool
	EventID          string
	EventType        string
	EventCreatedAt   *time.Time
}

// ApplyPlanUpdate writes both billing snapshots, the access tier and the
// optional usage reset in a single upsert. applied is false only when the
// ordering guard rejected an out-of-order event.
func (r *Repository) ApplyPlanUpdate(ctx context.Context, update PlanUpdate) (bool, error) {
	uid := strings.TrimSpace(update.UID)
	if uid == "" {
		return false, errors.New("plan update requires a uid")
	}

	now := r.now().UTC()
	planTier := optional(string(tiers.CanonicalizeTier(update.Tier)))
	mode := optional(strings.ToLower(strings.TrimSpace(update.Mode)))
	if mode != nil && !enums.PlanMode(*mode).IsValid() {
		return false, fmt.Errorf("plan update has unknown mode %q", update.Mode)
	}
	status := optional(strings.ToLower(strings.TrimSpace(update.Status)))
	userTier := tiers.DetermineUserTier(valueOf(status), valueOf(mode))

	periodEnd := utc(update.CurrentPeriodEnd)
	eventCreatedAt := utc(update.EventCreatedAt)
	customerID := optional(update.CustomerID)

	stripeJSON, err := json.Marshal(models.StripeState{
		CustomerID:       customerID,
		SubscriptionID:   optional(update.SubscriptionID),
		PriceID:          optional(update.PriceID),
		ProductID:        optional(update.ProductID),
		PlanTier:         planTier,
		Mode:             mode,
		Status:           status,
		CurrentPeriodEnd: periodEnd,
		MessageAllowance: update.MessageAllowance,
		LastEventID:      optional(update.EventID),
		LastEventType:    optional(update.EventType),
		UpdatedAt:        &now,
	})
	if err != nil {
		return false, fmt.Errorf("marshal stripe snapshot: %w", err)
	}
	billingJSON, err := json.Marshal(models.BillingState{
		Status:               status,
		Tier:                 planTier,
		PlanTier:             planTier,
		Mode:                 mode,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: optional(update.SubscriptionID),
		StripePriceID:        optional(update.PriceID),
		StripeProductID:      optional(update.ProductID),
		MessageAllowance:     update.MessageAllowance,
		CurrentPeriodEnd:     periodEnd,
		LastEventID:          optional(update.EventID),
		LastEventType:        optional(update.EventType),
		UpdatedAt:            &now,
	})
	if err != nil {
		return false, fmt.Errorf("marshal billing snapshot: %w", err)
	}

	var tierValue *string
	if userTier.IsSet() {
		tierValue = optional(userTier.String())
	}
	var resetAt *time.Time
	if update.ResetUsage {
		resetAt = &now
	}

	sets := []string{
		"stripe = excluded.stripe",
		"billing = excluded.billing",
		"stripe_customer_id = COALESCE(excluded.stripe_customer_id, users.stripe_customer_id)",
		"billing_stripe_customer_id = COALESCE(excluded.billing_stripe_customer_id, users.billing_stripe_customer_id)",
		"last_event_created_at = COALESCE(excluded.last_event_created_at, users.last_event_created_at)",
		"updated_at = excluded.updated_at",
	}
	if userTier.IsSet() {
		sets = append(sets, "tier = excluded.tier")
	}
	if update.ResetUsage {
		sets = append(sets,
			"exchanges_used = 0",
			"courtesy_used = excluded.courtesy_used",
			"last_billing_reset_at = excluded.last_billing_reset_at",
		)
	}

	query := `INSERT INTO users (id, tier, exchanges_used, courtesy_used, last_billing_reset_at, stripe, billing,
	stripe_customer_id, billing_stripe_customer_id, last_event_created_at, created_at, updated_at)
VALUES (?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET ` + strings.Join(sets, ", ")
	if r.orderingGuard {
		query += `
WHERE users.last_event_created_at IS NULL
	OR excluded.last_event_created_at IS NULL
	OR users.last_event_created_at <= excluded.last_event_created_at`
	}

	res := r.db.WithContext(ctx).Exec(query,
		uid,
		tierValue,
		false,
		resetAt,
		datatypes.JSON(stripeJSON),
		datatypes.JSON(billingJSON),
		customerID,
		customerID,
		eventCreatedAt,
		now,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CompareAndSetUsage moves the usage counters only if exchanges_used still
// equals expectedUsed. It reports whether the row changed.
func (r *Repository) CompareAndSetUsage(ctx context.Context, id string, expectedUsed, used int, courtesyUsed bool) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND exchanges_used = ?", id, expectedUsed).
		Updates(map[string]any{
			"exchanges_used": used,
			"courtesy_used":  courtesyUsed,
			"updated_at":     r.now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// IsNotFound reports whether err means the user row is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func valueOf(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	converted := t.UTC()
	return &converted
}
