package tiers

import (
	"strings"

	"github.com/luciadecode/lucia-billing/pkg/config"
	"github.com/luciadecode/lucia-billing/pkg/enums"
)

// Tier is a canonical plan tier name. The empty value means unresolved.
type Tier string

const (
	TierNone      Tier = ""
	TierBasic     Tier = "basic"
	TierMedium    Tier = "medium"
	TierIntensive Tier = "intensive"
	TierTotal     Tier = "total"
)

// String implements fmt.Stringer.
func (t Tier) String() string {
	return string(t)
}

// IsOneTime reports whether the tier is sold as a single payment.
func (t Tier) IsOneTime() bool {
	return t == TierTotal
}

var aliases = map[string]Tier{
	"standard":         TierBasic,
	"standard-monthly": TierBasic,
	"standard_monthly": TierBasic,
	"standardmonthly":  TierBasic,
	"standard-20":      TierBasic,
	"standard20":       TierBasic,
	"basic-monthly":    TierBasic,
	"basic_monthly":    TierBasic,
}

var allowances = map[Tier]int{
	TierBasic:     200,
	TierMedium:    400,
	TierIntensive: 2000,
	TierTotal:     6000,
}

// Metadata keys checked for a tier, in priority order.
var tierKeys = []string{
	"tier",
	"planTier",
	"plan_tier",
	"plan",
	"subscription_tier",
	"billing_tier",
}

// Metadata keys checked for the owning user id, in priority order.
var uidKeys = []string{
	"firebase_uid",
	"uid",
	"user_id",
	"userId",
	"client_reference_id",
}

// CanonicalizeTier normalizes a raw tier label. Unknown labels pass through
// lower-cased so new tiers keep working before they get an allowance.
func CanonicalizeTier(raw string) Tier {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return TierNone
	}
	if tier, ok := aliases[value]; ok {
		return tier
	}
	if strings.HasPrefix(value, "standard") {
		return TierBasic
	}
	return Tier(value)
}

// AllowanceForTier returns the message allowance of a tier. ok is false when
// the tier has no allowance on record.
func AllowanceForTier(tier Tier) (int, bool) {
	canonical := CanonicalizeTier(string(tier))
	if canonical == TierNone {
		return 0, false
	}
	allowance, ok := allowances[canonical]
	return allowance, ok
}

// DetermineUserTier maps a provider status and checkout mode to the access
// tier. UserTierUnchanged means the stored tier must be left alone.
func DetermineUserTier(status, mode string) enums.UserTier {
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	normalizedMode := strings.ToLower(strings.TrimSpace(mode))

	subStatus, err := enums.ParseSubscriptionStatus(normalizedStatus)
	known := err == nil
	if known && subStatus.IsDeactivated() {
		return enums.UserTierFree
	}
	if normalizedMode == string(enums.PlanModePayment) {
		return enums.UserTierPro
	}
	if known && subStatus.GrantsAccess() {
		return enums.UserTierPro
	}
	switch normalizedStatus {
	case "paid", "complete", "completed", "succeeded":
		return enums.UserTierPro
	}
	return enums.UserTierUnchanged
}

// ExtractUID returns the first non-empty user id found in metadata.
func ExtractUID(metadata map[string]string) string {
	for _, key := range uidKeys {
		if value := strings.TrimSpace(metadata[key]); value != "" {
			return value
		}
	}
	return ""
}

// PriceTable is the configured tier to price id mapping. It is built once and
// never mutated.
type PriceTable struct {
	byTier  map[Tier]string
	byPrice map[string]Tier
}

// NewPriceTable builds the table from configuration. Values that are not
// Stripe price ids are dropped.
func NewPriceTable(cfg config.PricesConfig) PriceTable {
	table := PriceTable{
		byTier:  map[Tier]string{},
		byPrice: map[string]Tier{},
	}
	for raw, priceID := range cfg.ByTier() {
		if !IsPriceID(priceID) {
			continue
		}
		tier := CanonicalizeTier(raw)
		table.byTier[tier] = priceID
		table.byPrice[priceID] = tier
	}
	return table
}

// PriceForTier returns the configured price id for a tier label.
func (p PriceTable) PriceForTier(raw string) (string, bool) {
	tier := CanonicalizeTier(raw)
	if tier == TierNone {
		return "", false
	}
	priceID, ok := p.byTier[tier]
	return priceID, ok
}

// TierForPrice is the reverse lookup of PriceForTier.
func (p PriceTable) TierForPrice(priceID string) Tier {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return TierNone
	}
	return p.byPrice[priceID]
}

// IsPriceID reports whether value looks like a Stripe price id.
func IsPriceID(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "price_")
}

// Sources groups the metadata bags a tier may be read from.
type Sources struct {
	Session map[string]string
	Price   map[string]string
	Product map[string]string
	PriceID string
}

// Resolver identifies tiers from provider signals.
type Resolver struct {
	prices PriceTable
}

func NewResolver(prices PriceTable) *Resolver {
	return &Resolver{prices: prices}
}

// Prices exposes the configured table.
func (r *Resolver) Prices() PriceTable {
	return r.prices
}

// IdentifyTier checks session, price and product metadata in that order and
// falls back to the configured price table.
func (r *Resolver) IdentifyTier(src Sources) Tier {
	for _, bag := range []map[string]string{src.Session, src.Price, src.Product} {
		if tier := tierFromMetadata(bag); tier != TierNone {
			return tier
		}
	}
	return r.prices.TierForPrice(src.PriceID)
}

func tierFromMetadata(metadata map[string]string) Tier {
	if len(metadata) == 0 {
		return TierNone
	}
	for _, key := range tierKeys {
		if tier := CanonicalizeTier(metadata[key]); tier != TierNone {
			return tier
		}
	}
	return TierNone
}
