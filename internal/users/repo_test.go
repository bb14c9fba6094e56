package users

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/luciadecode/lucia-billing/pkg/db/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:users_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return db
}

func fixedClock() func() time.Time {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func TestApplyPlanUpdateCreatesUserWithBothSnapshots(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db, WithClock(fixedClock()))

	periodEnd := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	applied, err := repo.ApplyPlanUpdate(ctx, PlanUpdate{
		UID:              "u1",
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		PriceID:          "price_basic",
		ProductID:        "prod_1",
		Tier:             "Standard",
		Mode:             "SUBSCRIPTION",
		Status:           "Active",
		CurrentPeriodEnd: &periodEnd,
		MessageAllowance: intPtr(200),
		ResetUsage:       true,
		EventID:          "evt_1",
		EventType:        "checkout.session.completed",
	})
	require.NoError(t, err)
	require.True(t, applied)

	user, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)

	require.NotNil(t, user.Tier)
	assert.Equal(t, "pro", *user.Tier)
	assert.Equal(t, 0, user.ExchangesUsed)
	assert.False(t, user.CourtesyUsed)
	assert.NotNil(t, user.LastBillingResetAt)
	require.NotNil(t, user.StripeCustomerID)
	assert.Equal(t, "cus_1", *user.StripeCustomerID)

	stripeState := user.Stripe.Data()
	require.NotNil(t, stripeState.PlanTier)
	assert.Equal(t, "basic", *stripeState.PlanTier)
	assert.Equal(t, "subscription", *stripeState.Mode)
	assert.Equal(t, "active", *stripeState.Status)
	assert.Equal(t, 200, *stripeState.MessageAllowance)
	assert.Equal(t, "evt_1", *stripeState.LastEventID)
	require.NotNil(t, stripeState.CurrentPeriodEnd)
	assert.True(t, stripeState.CurrentPeriodEnd.Equal(periodEnd))

	billing := user.Billing.Data()
	assert.Equal(t, "basic", *billing.Tier)
	assert.Equal(t, "basic", *billing.PlanTier)
	assert.Equal(t, "cus_1", *billing.StripeCustomerID)
	assert.Equal(t, "sub_1", *billing.StripeSubscriptionID)
	assert.Equal(t, 200, *billing.MessageAllowance)
}

func TestApplyPlanUpdateKeepsUsageAndTierWhenNotRequested(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db, WithClock(fixedClock()))

	tier := "pro"
	require.NoError(t, db.Create(&models.User{ID: "u2", Tier: &tier, ExchangesUsed: 7, CourtesyUsed: true}).Error)

	applied, err := repo.ApplyPlanUpdate(ctx, PlanUpdate{
		UID:       "u2",
		Tier:      "medium",
		Mode:      "subscription",
		Status:    "",
		EventID:   "evt_2",
		EventType: "customer.subscription.updated",
	})
	require.NoError(t, err)
	require.True(t, applied)

	user, err := repo.FindByID(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "pro", *user.Tier)
	assert.Equal(t, 7, user.ExchangesUsed)
	assert.True(t, user.CourtesyUsed)
	assert.Nil(t, user.LastBillingResetAt)
	assert.Nil(t, user.Stripe.Data().Status)
	assert.Nil(t, user.Stripe.Data().MessageAllowance)
}

func TestApplyPlanUpdateCancellationDowngrades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db, WithClock(fixedClock()))

	tier := "pro"
	require.NoError(t, db.Create(&models.User{ID: "u3", Tier: &tier, ExchangesUsed: 3}).Error)

	_, err := repo.ApplyPlanUpdate(ctx, PlanUpdate{
		UID:     "u3",
		Tier:    "basic",
		Mode:    "subscription",
		Status:  "canceled",
		EventID: "evt_3",
	})
	require.NoError(t, err)

	user, err := repo.FindByID(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "free", *user.Tier)
	assert.Equal(t, 3, user.ExchangesUsed)
	assert.Nil(t, user.Billing.Data().MessageAllowance)
}

func TestApplyPlanUpdateOrderingGuard(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db, WithClock(fixedClock()), WithOrderingGuard(true))

	newer := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	applied, err := repo.ApplyPlanUpdate(ctx, PlanUpdate{UID: "u4", Status: "active", Mode: "subscription", EventID: "evt_new", EventCreatedAt: timePtr(newer)})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = repo.ApplyPlanUpdate(ctx, PlanUpdate{UID: "u4", Status: "canceled", Mode: "subscription", EventID: "evt_old", EventCreatedAt: timePtr(older)})
	require.NoError(t, err)
	assert.False(t, applied)

	user, err := repo.FindByID(ctx, "u4")
	require.NoError(t, err)
	assert.Equal(t, "pro", *user.Tier)
	assert.Equal(t, "evt_new", *user.Stripe.Data().LastEventID)

	unguarded := NewRepository(db, WithClock(fixedClock()))
	applied, err = unguarded.ApplyPlanUpdate(ctx, PlanUpdate{UID: "u4", Status: "canceled", Mode: "subscription", EventID: "evt_old", EventCreatedAt: timePtr(older)})
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyPlanUpdateRequiresUID(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	if _, err := repo.ApplyPlanUpdate(context.Background(), PlanUpdate{UID: "  "}); err == nil {
		t.Fatal("expected error for blank uid")
	}
}

func TestFindByCustomerIDFallsBackToLegacyColumn(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db)

	current := "cus_current"
	legacy := "cus_legacy"
	require.NoError(t, db.Create(&models.User{ID: "new-style", StripeCustomerID: &current}).Error)
	require.NoError(t, db.Create(&models.User{ID: "old-style", BillingStripeCustomerID: &legacy}).Error)

	user, err := repo.FindByCustomerID(ctx, current)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "new-style", user.ID)

	user, err = repo.FindByCustomerID(ctx, legacy)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "old-style", user.ID)

	user, err = repo.FindByCustomerID(ctx, "cus_missing")
	require.NoError(t, err)
	assert.Nil(t, user)
}

func TestCompareAndSetUsage(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db)
	require.NoError(t, db.Create(&models.User{ID: "u5", ExchangesUsed: 10}).Error)

	changed, err := repo.CompareAndSetUsage(ctx, "u5", 9, 10, false)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.CompareAndSetUsage(ctx, "u5", 10, 11, true)
	require.NoError(t, err)
	assert.True(t, changed)

	user, err := repo.FindByID(ctx, "u5")
	require.NoError(t, err)
	assert.Equal(t, 11, user.ExchangesUsed)
	assert.True(t, user.CourtesyUsed)

	_, err = repo.FindByID(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestApplyPlanUpdateRejectsUnknownMode(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRepository(db)

	applied, err := repo.ApplyPlanUpdate(ctx, PlanUpdate{UID: "u-mode", Status: "active", Mode: "setup"})
	require.Error(t, err)
	assert.False(t, applied)
	assert.Contains(t, err.Error(), "unknown mode")

	var count int64
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", "u-mode").Count(&count).Error)
	assert.Zero(t, count)

	applied, err = repo.ApplyPlanUpdate(ctx, PlanUpdate{UID: "u-mode", Status: "active"})
	require.NoError(t, err)
	assert.True(t, applied)
}
