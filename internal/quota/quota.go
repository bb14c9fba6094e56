package quota

import (
	"context"
	"strings"

	"github.com/luciadecode/lucia-billing/internal/tiers"
	"github.com/luciadecode/lucia-billing/internal/users"
	"github.com/luciadecode/lucia-billing/pkg/db/models"
	"github.com/luciadecode/lucia-billing/pkg/enums"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

const (
	FreeBaseAllowance     = 10
	FreeCourtesyAllowance = 12

	maxCASAttempts = 3
)

// Limits is the effective message quota of one user.
type Limits struct {
	Unlimited         bool
	BaseAllowance     int
	CourtesyAllowance int
	CourtesyUsed      bool
	MessageAllowance  *int
}

// HasCourtesy reports whether the free courtesy bump applies.
func (l Limits) HasCourtesy() bool {
	return !l.Unlimited && l.CourtesyAllowance > l.BaseAllowance
}

// Cap is the highest exchanges_used value the user can reach.
func (l Limits) Cap() int {
	if l.HasCourtesy() {
		return l.CourtesyAllowance
	}
	return l.BaseAllowance
}

// Usage is the quota projection served to the chat client.
type Usage struct {
	UID               string `json:"uid"`
	Tier              string `json:"tier"`
	Unlimited         bool   `json:"unlimited"`
	BaseAllowance     *int   `json:"base_allowance"`
	CourtesyAllowance *int   `json:"courtesy_allowance"`
	CourtesyUsed      bool   `json:"courtesy_used"`
	MessageAllowance  *int   `json:"message_allowance"`
	ExchangesUsed     int    `json:"exchanges_used"`
	Remaining         *int   `json:"remaining"`
}

// ResolveTier picks the first non-empty tier label stored on the user.
func ResolveTier(user *models.User) string {
	if user == nil {
		return ""
	}
	billing := user.Billing.Data()
	stripeState := user.Stripe.Data()
	for _, candidate := range []*string{user.Tier, billing.PlanTier, billing.Tier, stripeState.PlanTier} {
		if candidate == nil {
			continue
		}
		if tier := tiers.CanonicalizeTier(*candidate); tier != tiers.TierNone {
			return tier.String()
		}
	}
	return ""
}

// MessageAllowance returns the stored allowance, legacy snapshot first.
func MessageAllowance(user *models.User) *int {
	if user == nil {
		return nil
	}
	for _, candidate := range []*int{user.Billing.Data().MessageAllowance, user.Stripe.Data().MessageAllowance} {
		if candidate != nil && *candidate >= 0 {
			value := *candidate
			return &value
		}
	}
	return nil
}

// ResolveLimits derives the quota of a user record.
func ResolveLimits(user *models.User) Limits {
	tier := ResolveTier(user)

	if allowance := MessageAllowance(user); allowance != nil && *allowance > 0 {
		return Limits{
			BaseAllowance:    *allowance,
			CourtesyUsed:     user.CourtesyUsed,
			MessageAllowance: allowance,
		}
	}
	if allowance, ok := tiers.AllowanceForTier(tiers.Tier(tier)); ok && allowance > 0 {
		return Limits{BaseAllowance: allowance, MessageAllowance: &allowance}
	}
	if tier == enums.UserTierPro.String() {
		return Limits{Unlimited: true}
	}

	courtesyUsed := false
	if user != nil {
		courtesyUsed = user.CourtesyUsed
	}
	return Limits{
		BaseAllowance:     FreeBaseAllowance,
		CourtesyAllowance: FreeCourtesyAllowance,
		CourtesyUsed:      courtesyUsed,
	}
}

// NextExchange computes the counters after one more exchange. ok is false
// when the quota is exhausted.
func NextExchange(limits Limits, used int) (next int, courtesyUsed bool, ok bool) {
	if limits.Unlimited {
		return used + 1, limits.CourtesyUsed, true
	}
	if !limits.HasCourtesy() {
		if used >= limits.BaseAllowance {
			return used, false, false
		}
		return used + 1, limits.CourtesyUsed, true
	}
	if !limits.CourtesyUsed {
		switch {
		case used < limits.BaseAllowance:
			return used + 1, false, true
		case used == limits.BaseAllowance:
			return limits.BaseAllowance + 1, true, true
		default:
			return used, false, false
		}
	}
	if used < limits.CourtesyAllowance {
		return used + 1, true, true
	}
	return used, true, false
}

// Project builds the usage view of a user record.
func Project(user *models.User) Usage {
	limits := ResolveLimits(user)
	usage := Usage{
		UID:              user.ID,
		Tier:             ResolveTier(user),
		Unlimited:        limits.Unlimited,
		CourtesyUsed:     limits.CourtesyUsed,
		MessageAllowance: limits.MessageAllowance,
		ExchangesUsed:    user.ExchangesUsed,
	}
	if limits.Unlimited {
		return usage
	}
	base := limits.BaseAllowance
	usage.BaseAllowance = &base
	if limits.HasCourtesy() {
		courtesy := limits.CourtesyAllowance
		usage.CourtesyAllowance = &courtesy
	}
	remaining := limits.Cap() - user.ExchangesUsed
	if remaining < 0 {
		remaining = 0
	}
	usage.Remaining = &remaining
	return usage
}

type userStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	CompareAndSetUsage(ctx context.Context, id string, expectedUsed, used int, courtesyUsed bool) (bool, error)
}

// Service reads and advances message quotas.
type Service struct {
	users userStore
}

func NewService(store userStore) (*Service, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "user store required")
	}
	return &Service{users: store}, nil
}

// Usage returns the quota projection for uid.
func (s *Service) Usage(ctx context.Context, uid string) (Usage, error) {
	user, err := s.load(ctx, uid)
	if err != nil {
		return Usage{}, err
	}
	return Project(user), nil
}

// RecordExchange consumes one exchange. recorded is false when the user has
// no quota left; the returned usage reflects the stored state either way.
func (s *Service) RecordExchange(ctx context.Context, uid string) (Usage, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		user, err := s.load(ctx, uid)
		if err != nil {
			return Usage{}, false, err
		}
		next, courtesyUsed, ok := NextExchange(ResolveLimits(user), user.ExchangesUsed)
		if !ok {
			return Project(user), false, nil
		}
		changed, err := s.users.CompareAndSetUsage(ctx, user.ID, user.ExchangesUsed, next, courtesyUsed || user.CourtesyUsed)
		if err != nil {
			return Usage{}, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record exchange")
		}
		if changed {
			user.ExchangesUsed = next
			user.CourtesyUsed = courtesyUsed || user.CourtesyUsed
			return Project(user), true, nil
		}
	}
	return Usage{}, false, pkgerrors.New(pkgerrors.CodeDependency, "usage counter is under contention")
}

func (s *Service) load(ctx context.Context, uid string) (*models.User, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "uid is required")
	}
	user, err := s.users.FindByID(ctx, uid)
	if err != nil {
		if users.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "user not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
	}
	return user, nil
}
