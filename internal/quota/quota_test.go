package quota

import (
	"context"
	"errors"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/luciadecode/lucia-billing/pkg/db/models"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

func strPtr(v string) *string { return &v }
func intPtr(v int) *int       { return &v }

func TestResolveLimitsFreeUser(t *testing.T) {
	limits := ResolveLimits(&models.User{ID: "u"})
	if limits.Unlimited || limits.BaseAllowance != FreeBaseAllowance || limits.CourtesyAllowance != FreeCourtesyAllowance {
		t.Fatalf("unexpected free limits %+v", limits)
	}
	if !limits.HasCourtesy() || limits.Cap() != FreeCourtesyAllowance {
		t.Fatalf("expected courtesy cap, got %+v", limits)
	}
}

func TestResolveLimitsPrefersBillingAllowance(t *testing.T) {
	user := &models.User{
		ID:      "u",
		Tier:    strPtr("pro"),
		Billing: datatypes.NewJSONType(models.BillingState{MessageAllowance: intPtr(400)}),
		Stripe:  datatypes.NewJSONType(models.StripeState{MessageAllowance: intPtr(200)}),
	}
	limits := ResolveLimits(user)
	if limits.Unlimited || limits.BaseAllowance != 400 || limits.HasCourtesy() {
		t.Fatalf("expected billing allowance 400, got %+v", limits)
	}

	user.Billing = datatypes.NewJSONType(models.BillingState{})
	if got := ResolveLimits(user).BaseAllowance; got != 200 {
		t.Fatalf("expected stripe snapshot fallback 200, got %d", got)
	}
}

func TestResolveLimitsFromPlanTierAndPro(t *testing.T) {
	user := &models.User{
		ID:      "u",
		Billing: datatypes.NewJSONType(models.BillingState{PlanTier: strPtr("standard")}),
	}
	if got := ResolveLimits(user).BaseAllowance; got != 200 {
		t.Fatalf("expected basic allowance from alias, got %d", got)
	}

	pro := &models.User{ID: "p", Tier: strPtr("pro")}
	if !ResolveLimits(pro).Unlimited {
		t.Fatal("expected pro without allowance to be unlimited")
	}
}

func TestNextExchangeCourtesyBump(t *testing.T) {
	free := Limits{BaseAllowance: 10, CourtesyAllowance: 12}

	next, courtesy, ok := NextExchange(free, 9)
	if !ok || next != 10 || courtesy {
		t.Fatalf("expected plain increment, got %d %v %v", next, courtesy, ok)
	}
	next, courtesy, ok = NextExchange(free, 10)
	if !ok || next != 11 || !courtesy {
		t.Fatalf("expected courtesy bump to 11, got %d %v %v", next, courtesy, ok)
	}

	free.CourtesyUsed = true
	next, _, ok = NextExchange(free, 11)
	if !ok || next != 12 {
		t.Fatalf("expected increment within courtesy cap, got %d %v", next, ok)
	}
	if _, _, ok = NextExchange(free, 12); ok {
		t.Fatal("expected courtesy cap to block")
	}

	free.CourtesyUsed = false
	if _, _, ok = NextExchange(free, 11); ok {
		t.Fatal("expected over-base usage without courtesy flag to block")
	}
}

func TestNextExchangePaidAndUnlimited(t *testing.T) {
	paid := Limits{BaseAllowance: 200}
	if _, _, ok := NextExchange(paid, 200); ok {
		t.Fatal("expected paid allowance to block at base")
	}
	if next, _, ok := NextExchange(paid, 199); !ok || next != 200 {
		t.Fatalf("expected increment to 200, got %d %v", next, ok)
	}
	if next, _, ok := NextExchange(Limits{Unlimited: true}, 5000); !ok || next != 5001 {
		t.Fatalf("expected unlimited increment, got %d %v", next, ok)
	}
}

func TestProjectRemaining(t *testing.T) {
	usage := Project(&models.User{ID: "u", ExchangesUsed: 11, CourtesyUsed: true})
	if usage.Remaining == nil || *usage.Remaining != 1 {
		t.Fatalf("expected 1 remaining, got %+v", usage.Remaining)
	}
	if usage.CourtesyAllowance == nil || *usage.CourtesyAllowance != FreeCourtesyAllowance {
		t.Fatalf("expected courtesy allowance, got %+v", usage.CourtesyAllowance)
	}

	unlimited := Project(&models.User{ID: "p", Tier: strPtr("pro"), ExchangesUsed: 40})
	if !unlimited.Unlimited || unlimited.Remaining != nil || unlimited.BaseAllowance != nil {
		t.Fatalf("unexpected unlimited projection %+v", unlimited)
	}
}

type stubUserStore struct {
	user      *models.User
	findErr   error
	casResult []bool
	casCalls  int
	lastUsed  int
	lastFlag  bool
}

func (s *stubUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	copyUser := *s.user
	return &copyUser, nil
}

func (s *stubUserStore) CompareAndSetUsage(ctx context.Context, id string, expectedUsed, used int, courtesyUsed bool) (bool, error) {
	s.casCalls++
	s.lastUsed = used
	s.lastFlag = courtesyUsed
	if len(s.casResult) == 0 {
		return true, nil
	}
	result := s.casResult[0]
	s.casResult = s.casResult[1:]
	return result, nil
}

func TestRecordExchangeRetriesOnContention(t *testing.T) {
	store := &stubUserStore{user: &models.User{ID: "u", ExchangesUsed: 10}, casResult: []bool{false, true}}
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	usage, recorded, err := svc.RecordExchange(context.Background(), "u")
	if err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	if !recorded || store.casCalls != 2 {
		t.Fatalf("expected second attempt to record, recorded=%v calls=%d", recorded, store.casCalls)
	}
	if store.lastUsed != 11 || !store.lastFlag || !usage.CourtesyUsed {
		t.Fatalf("expected courtesy bump to be written, used=%d flag=%v", store.lastUsed, store.lastFlag)
	}
}

func TestRecordExchangeExhausted(t *testing.T) {
	store := &stubUserStore{user: &models.User{ID: "u", ExchangesUsed: 12, CourtesyUsed: true}}
	svc, _ := NewService(store)

	usage, recorded, err := svc.RecordExchange(context.Background(), "u")
	if err != nil {
		t.Fatalf("record exchange: %v", err)
	}
	if recorded || store.casCalls != 0 {
		t.Fatalf("expected no write, recorded=%v calls=%d", recorded, store.casCalls)
	}
	if usage.Remaining == nil || *usage.Remaining != 0 {
		t.Fatalf("expected zero remaining, got %+v", usage.Remaining)
	}
}

func TestUsageMapsErrors(t *testing.T) {
	svc, _ := NewService(&stubUserStore{findErr: gorm.ErrRecordNotFound})
	_, err := svc.Usage(context.Background(), "missing")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	svc, _ = NewService(&stubUserStore{findErr: errors.New("boom")})
	_, err = svc.Usage(context.Background(), "u")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}

	_, err = svc.Usage(context.Background(), " ")
	if pkgerrors.CodeOf(err) != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
