package checkout

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/internal/tiers"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
)

const (
	kindCheckout = "checkout"
	kindPortal   = "portal"

	resultCreated  = "created"
	resultRejected = "rejected"
	resultFailed   = "failed"

	checkoutSessionPlaceholder = "session_id={CHECKOUT_SESSION_ID}"
)

// Gateway is the slice of the Stripe client the builder needs.
type Gateway interface {
	SearchCustomer(ctx context.Context, query string) (*stripe.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error)
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type sessionMetrics interface {
	Inc(kind, result string)
}

// Service builds hosted checkout and billing portal sessions.
type Service interface {
	CreateCheckoutSession(ctx context.Context, input CheckoutInput) (*Session, error)
	CreatePortalSession(ctx context.Context, input PortalInput) (*Session, error)
}

// ServiceParams groups dependencies for the session builder.
type ServiceParams struct {
	Gateway         Gateway
	Resolver        *tiers.Resolver
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
	Metrics         sessionMetrics
	Logger          *logger.Logger
}

// CheckoutInput is the decoded checkout request.
type CheckoutInput struct {
	Tier           string
	UID            string
	Email          string
	Price          string
	Quantity       any
	Metadata       map[string]any
	IdempotencyKey string
}

// PortalInput identifies the user opening the billing portal.
type PortalInput struct {
	UID   string
	Email string
}

// Session is the redirect target returned to the browser.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type service struct {
	gateway         Gateway
	resolver        *tiers.Resolver
	successURL      string
	cancelURL       string
	portalReturnURL string
	metrics         sessionMetrics
	logg            *logger.Logger
}

// NewService builds the session builder with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe gateway required")
	}
	if params.Resolver == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "tier resolver required")
	}
	if strings.TrimSpace(params.SuccessURL) == "" || strings.TrimSpace(params.CancelURL) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "success and cancel urls required")
	}
	portalURL := strings.TrimSpace(params.PortalReturnURL)
	if portalURL == "" {
		portalURL = strings.TrimSpace(params.SuccessURL)
	}
	return &service{
		gateway:         params.Gateway,
		resolver:        params.Resolver,
		successURL:      strings.TrimSpace(params.SuccessURL),
		cancelURL:       strings.TrimSpace(params.CancelURL),
		portalReturnURL: portalURL,
		metrics:         params.Metrics,
		logg:            params.Logger,
	}, nil
}

func (s *service) CreateCheckoutSession(ctx context.Context, input CheckoutInput) (*Session, error) {
	session, err := s.createCheckoutSession(ctx, input)
	s.observe(kindCheckout, err)
	return session, err
}

func (s *service) createCheckoutSession(ctx context.Context, input CheckoutInput) (*Session, error) {
	metadata := make(map[string]any, len(input.Metadata)+10)
	for key, value := range input.Metadata {
		metadata[key] = value
	}

	rawTier := strings.TrimSpace(input.Tier)
	tier := tiers.CanonicalizeTier(rawTier)
	email := strings.TrimSpace(input.Email)
	uid := strings.TrimSpace(input.UID)
	if uid == "" {
		uid = tiers.ExtractUID(stringMetadata(metadata))
	}

	requestedPrice := ""
	if tiers.IsPriceID(input.Price) {
		requestedPrice = strings.TrimSpace(input.Price)
	}

	prices := s.resolver.Prices()
	priceID := requestedPrice
	fromTable := false
	if priceID == "" && tier != tiers.TierNone {
		if configured, ok := prices.PriceForTier(tier.String()); ok {
			priceID = configured
			fromTable = true
		}
	}

	var fetched *stripe.Price
	if requestedPrice != "" {
		p, err := s.gateway.GetPrice(ctx, requestedPrice)
		if err != nil {
			if pkgerrors.CodeOf(err) == pkgerrors.CodeDependency {
				return nil, err
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvalidPrice, err, "Invalid or unknown Stripe price id")
		}
		fetched = p
		if p != nil && p.ID != "" {
			priceID = p.ID
		}
	}

	if priceID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidTier, "Invalid or missing price for tier")
	}

	var priceMetadata, productMetadata map[string]string
	productID := ""
	if fetched != nil {
		priceMetadata = fetched.Metadata
		if fetched.Product != nil {
			productID = fetched.Product.ID
			productMetadata = fetched.Product.Metadata
		}
	}

	if tier == tiers.TierNone {
		tier = s.resolver.IdentifyTier(tiers.Sources{
			Session: stringMetadata(metadata),
			Price:   priceMetadata,
			Product: productMetadata,
			PriceID: priceID,
		})
	}

	fillIfEmpty(metadata, "tier", tier.String())
	fillIfEmpty(metadata, "planTier", tier.String())
	fillIfEmpty(metadata, "plan_tier", tier.String())
	fillIfEmpty(metadata, "firebase_uid", uid)
	fillIfEmpty(metadata, "uid", uid)
	fillIfEmpty(metadata, "client_reference_id", uid)
	fillIfEmpty(metadata, "price_id", priceID)
	fillIfEmpty(metadata, "product_id", productID)
	fillIfEmpty(metadata, "email", email)

	sanitized := SanitizeMetadata(metadata)
	finalUID := strings.TrimSpace(sanitized["firebase_uid"])
	if finalUID == "" {
		finalUID = uid
	}
	if finalUID != "" && sanitized["firebase_uid"] == "" {
		sanitized["firebase_uid"] = finalUID
	}

	subscription := checkoutIsSubscription(tier, fetched, fromTable)
	params := &stripe.CheckoutSessionParams{
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(NormalizeQuantity(input.Quantity)),
		}},
		SuccessURL:          stripe.String(successURLWithSession(s.successURL)),
		CancelURL:           stripe.String(s.cancelURL),
		AllowPromotionCodes: stripe.Bool(true),
		Metadata:            sanitized,
	}
	if finalUID != "" {
		params.ClientReferenceID = stripe.String(finalUID)
	}
	nested := make(map[string]string, len(sanitized))
	for key, value := range sanitized {
		nested[key] = value
	}
	if subscription {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: nested}
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: nested}
	}

	if finalUID != "" || email != "" {
		customerID, err := s.getOrCreateCustomer(ctx, finalUID, email)
		if err != nil {
			s.warn(ctx, "failed to attach stripe customer, falling back to email", err)
		} else if customerID != "" {
			params.Customer = stripe.String(customerID)
		}
	}
	if params.Customer == nil && email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	if key := strings.TrimSpace(input.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	created, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Session{ID: created.ID, URL: created.URL}, nil
}

func (s *service) CreatePortalSession(ctx context.Context, input PortalInput) (*Session, error) {
	session, err := s.createPortalSession(ctx, input)
	s.observe(kindPortal, err)
	return session, err
}

func (s *service) createPortalSession(ctx context.Context, input PortalInput) (*Session, error) {
	uid := strings.TrimSpace(input.UID)
	email := strings.TrimSpace(input.Email)
	if uid == "" && email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "uid or email is required to open the billing portal")
	}

	customer, err := s.findCustomer(ctx, uid, email)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, pkgerrors.New(pkgerrors.CodeCustomerNotFound, "No Stripe customer found for user")
	}

	created, err := s.gateway.CreatePortalSession(ctx, &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customer.ID),
		ReturnURL: stripe.String(s.portalReturnURL),
	})
	if err != nil {
		return nil, err
	}
	return &Session{ID: created.ID, URL: created.URL}, nil
}

// findCustomer looks up by uid metadata first, then by email. Search
// failures are logged and fall through to the email lookup.
func (s *service) findCustomer(ctx context.Context, uid, email string) (*stripe.Customer, error) {
	if uid != "" {
		found, err := s.gateway.SearchCustomer(ctx, customerSearchQuery(uid))
		if err != nil {
			s.warn(ctx, "stripe customer search failed", err)
		} else if found != nil {
			return found, nil
		}
	}
	if email != "" {
		return s.gateway.FindCustomerByEmail(ctx, email)
	}
	return nil, nil
}

func (s *service) getOrCreateCustomer(ctx context.Context, uid, email string) (string, error) {
	existing, err := s.findCustomer(ctx, uid, email)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	params := &stripe.CustomerParams{Metadata: map[string]string{}}
	if email != "" {
		params.Email = stripe.String(email)
		params.Metadata["email"] = email
	}
	if uid != "" {
		params.Metadata["firebase_uid"] = uid
	}
	created, err := s.gateway.CreateCustomer(ctx, params)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// checkoutIsSubscription decides the session mode. The one-time tier always
// pays once; otherwise a fetched price decides by its recurrence and a
// configured tier price is sold as a subscription.
func checkoutIsSubscription(tier tiers.Tier, fetched *stripe.Price, fromTable bool) bool {
	if tier.IsOneTime() {
		return false
	}
	if fetched != nil {
		return fetched.Recurring != nil
	}
	return fromTable || tier != tiers.TierNone
}

func successURLWithSession(base string) string {
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + checkoutSessionPlaceholder
}

func (s *service) observe(kind string, err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.Inc(kind, resultCreated)
	case pkgerrors.MetadataFor(pkgerrors.CodeOf(err)).HTTPStatus < 500:
		s.metrics.Inc(kind, resultRejected)
	default:
		s.metrics.Inc(kind, resultFailed)
	}
}

func (s *service) warn(ctx context.Context, msg string, err error) {
	if s.logg == nil {
		return
	}
	s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), msg)
}
