package stripewebhook

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/internal/tiers"
	"github.com/luciadecode/lucia-billing/internal/users"
	"github.com/luciadecode/lucia-billing/pkg/db/models"
	"github.com/luciadecode/lucia-billing/pkg/enums"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/metrics"
)

// Outcome summarizes what happened to one delivery.
type Outcome string

const (
	OutcomeProcessed  Outcome = metrics.OutcomeProcessed
	OutcomeDuplicate  Outcome = metrics.OutcomeDuplicate
	OutcomeIgnored    Outcome = metrics.OutcomeIgnored
	OutcomeUnresolved Outcome = metrics.OutcomeUnresolved
)

const (
	statusPastDue  = "past_due"
	statusCanceled = "canceled"
)

// Provider re-fetches objects whose event payload is not expanded.
type Provider interface {
	GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

type userStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	ApplyPlanUpdate(ctx context.Context, update users.PlanUpdate) (bool, error)
}

type webhookMetrics interface {
	ObserveEvent(eventType, outcome string, duration time.Duration)
	IncStale(eventType string)
}

// ProcessorParams groups dependencies for the webhook processor.
type ProcessorParams struct {
	Provider Provider
	Users    userStore
	EventLog EventLog
	Resolver *tiers.Resolver
	Metrics  webhookMetrics
	Logger   *logger.Logger
}

// Processor turns verified Stripe events into user billing state.
type Processor struct {
	provider Provider
	users    userStore
	events   EventLog
	resolver *tiers.Resolver
	metrics  webhookMetrics
	logg     *logger.Logger
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe provider required")
	}
	if params.Users == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "user store required")
	}
	if params.EventLog == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "event log required")
	}
	if params.Resolver == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "tier resolver required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	return &Processor{
		provider: params.Provider,
		users:    params.Users,
		events:   params.EventLog,
		resolver: params.Resolver,
		metrics:  params.Metrics,
		logg:     params.Logger,
	}, nil
}

// Process records the event, skips duplicates, dispatches it and marks the
// record processed. On a handler error the record is marked failed and the
// error is returned.
func (p *Processor) Process(ctx context.Context, event stripe.Event) (Outcome, error) {
	start := time.Now()
	eventType := string(event.Type)
	ctx = p.logg.WithEventID(ctx, event.ID, eventType)

	if strings.TrimSpace(event.ID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "stripe event id required")
	}

	duplicate, err := p.events.Begin(ctx, EventRecord{ID: event.ID, Type: eventType, CreatedAt: eventTime(event)})
	if err != nil {
		p.observe(eventType, metrics.OutcomeFailed, start)
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record webhook event")
	}
	if duplicate {
		p.logg.Info(ctx, "stripe webhook duplicate")
		p.observe(eventType, metrics.OutcomeDuplicate, start)
		return OutcomeDuplicate, nil
	}

	outcome, err := p.dispatch(ctx, event)
	if err == nil {
		if markErr := p.events.MarkProcessed(ctx, event.ID); markErr != nil {
			err = pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "mark webhook event processed")
		}
	}
	if err != nil {
		if markErr := p.events.MarkFailed(ctx, event.ID, err); markErr != nil {
			p.logg.Warn(p.logg.WithField(ctx, "mark_error", markErr.Error()), "failed to mark webhook event failed")
		}
		p.logg.Error(ctx, "stripe webhook handler error", err)
		p.observe(eventType, metrics.OutcomeFailed, start)
		return "", err
	}

	p.observe(eventType, string(outcome), start)
	return outcome, nil
}

func (p *Processor) dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	kind := KindOf(event.Type)
	switch kind {
	case EventKindCheckoutSession:
		return p.handleCheckoutSession(ctx, event)
	case EventKindInvoicePaid:
		return p.handleInvoicePaid(ctx, event)
	case EventKindInvoiceFailed:
		return p.handleInvoiceFailed(ctx, event)
	case EventKindSubscriptionChanged:
		return p.handleSubscription(ctx, event, false)
	case EventKindSubscriptionDeleted:
		return p.handleSubscription(ctx, event, true)
	case EventKindIgnored:
		p.logg.Debug(ctx, "stripe webhook ignored")
		return OutcomeIgnored, nil
	default:
		p.logg.Warn(p.logg.WithField(ctx, "kind", kind.String()), "stripe webhook kind has no handler")
		return OutcomeIgnored, nil
	}
}

func (p *Processor) handleCheckoutSession(ctx context.Context, event stripe.Event) (Outcome, error) {
	session, err := decodeSession(rawObject(event))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode checkout session")
	}
	if session.ID == "" {
		return OutcomeIgnored, nil
	}

	fetched, err := p.provider.GetCheckoutSession(ctx, session.ID)
	if err != nil {
		p.warn(ctx, "failed to retrieve checkout session details", err)
	} else {
		session = mergeSessionFromStripe(session, fetched)
	}

	metadata := mergeMetadata(session.Metadata)
	uid := firstNonEmpty(tiers.ExtractUID(metadata), session.ClientReferenceID)

	sub := p.fetchSubscription(ctx, session.SubscriptionID)
	if sub != nil {
		metadata = mergeMetadata(metadata, sub.Metadata)
	}

	if uid == "" {
		if uid, err = p.uidForCustomer(ctx, session.CustomerID); err != nil {
			return "", err
		}
	}

	price := session.Price
	var periodEnd *time.Time
	status := firstNonEmpty(session.PaymentStatus, "active")
	subscriptionID := session.SubscriptionID
	if sub != nil {
		if sub.Price != nil {
			price = sub.Price
		}
		periodEnd = sub.CurrentPeriodEnd
		status = firstNonEmpty(sub.Status, status)
		subscriptionID = firstNonEmpty(sub.ID, subscriptionID)
	}

	mode := enums.PlanModePayment
	if sub != nil {
		mode = enums.PlanModeSubscription
	}
	if strings.TrimSpace(session.Mode) != "" {
		parsed, err := enums.ParsePlanMode(session.Mode)
		if err != nil {
			// setup sessions only collect a payment method
			p.logg.Info(p.logg.WithField(ctx, "mode", session.Mode), "ignoring checkout session without a plan")
			return OutcomeIgnored, nil
		}
		mode = parsed
	}

	tier := p.identify(metadata, price)
	lowerStatus := strings.ToLower(status)
	reset := mode == enums.PlanModePayment || lowerStatus == "paid" || lowerStatus == "active"

	return p.apply(ctx, event, users.PlanUpdate{
		UID:              uid,
		CustomerID:       session.CustomerID,
		SubscriptionID:   subscriptionID,
		PriceID:          priceID(price),
		ProductID:        productID(price),
		Tier:             tier.String(),
		Mode:             mode.String(),
		Status:           status,
		CurrentPeriodEnd: periodEnd,
		MessageAllowance: allowanceFor(tier),
		ResetUsage:       reset,
	})
}

func (p *Processor) handleInvoicePaid(ctx context.Context, event stripe.Event) (Outcome, error) {
	invoice, err := decodeInvoice(rawObject(event))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode invoice")
	}
	if invoice.ID == "" {
		return OutcomeIgnored, nil
	}

	metadata := mergeMetadata(invoice.Metadata)
	sub := p.fetchSubscription(ctx, invoice.SubscriptionID)
	if sub != nil {
		metadata = mergeMetadata(metadata, sub.Metadata)
	}

	uid := tiers.ExtractUID(metadata)
	if uid == "" {
		if uid, err = p.uidForCustomer(ctx, invoice.CustomerID); err != nil {
			return "", err
		}
	}

	price := invoice.Price
	status := firstNonEmpty(invoice.Status, "paid")
	periodEnd := invoice.PeriodEnd
	subscriptionID := invoice.SubscriptionID
	mode := string(enums.PlanModePayment)
	if subscriptionID != "" {
		mode = string(enums.PlanModeSubscription)
	}
	if sub != nil {
		if sub.Price != nil {
			price = sub.Price
		}
		status = firstNonEmpty(sub.Status, status)
		if sub.CurrentPeriodEnd != nil {
			periodEnd = sub.CurrentPeriodEnd
		}
		subscriptionID = firstNonEmpty(sub.ID, subscriptionID)
		mode = string(enums.PlanModeSubscription)
	}

	tier := p.identify(metadata, price)
	return p.apply(ctx, event, users.PlanUpdate{
		UID:              uid,
		CustomerID:       invoice.CustomerID,
		SubscriptionID:   subscriptionID,
		PriceID:          priceID(price),
		ProductID:        productID(price),
		Tier:             tier.String(),
		Mode:             mode,
		Status:           status,
		CurrentPeriodEnd: periodEnd,
		MessageAllowance: allowanceFor(tier),
		ResetUsage:       true,
	})
}

// handleInvoiceFailed reuses the last known plan so a failed renewal only
// flips the status to past_due.
func (p *Processor) handleInvoiceFailed(ctx context.Context, event stripe.Event) (Outcome, error) {
	invoice, err := decodeInvoice(rawObject(event))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode invoice")
	}
	if invoice.ID == "" {
		return OutcomeIgnored, nil
	}

	var user *models.User
	if invoice.CustomerID != "" {
		user, err = p.users.FindByCustomerID(ctx, invoice.CustomerID)
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find user by customer")
		}
	}
	uid := tiers.ExtractUID(invoice.Metadata)
	if uid == "" && user != nil {
		uid = user.ID
	}
	if uid == "" {
		p.logg.Warn(p.logg.WithCustomerID(ctx, invoice.CustomerID), "stripe invoice.payment_failed without mapped user")
		return OutcomeUnresolved, nil
	}
	if user == nil || user.ID != uid {
		if user, err = p.users.FindByID(ctx, uid); err != nil {
			if !users.IsNotFound(err) {
				return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load user")
			}
			user = nil
		}
	}

	var last models.StripeState
	var legacy models.BillingState
	if user != nil {
		last = user.Stripe.Data()
		legacy = user.Billing.Data()
	}
	allowance := last.MessageAllowance
	if allowance == nil {
		allowance = legacy.MessageAllowance
	}
	periodEnd := last.CurrentPeriodEnd
	if periodEnd == nil {
		periodEnd = legacy.CurrentPeriodEnd
	}

	return p.apply(ctx, event, users.PlanUpdate{
		UID:              uid,
		CustomerID:       firstNonEmpty(invoice.CustomerID, deref(last.CustomerID), deref(legacy.StripeCustomerID)),
		SubscriptionID:   firstNonEmpty(invoice.SubscriptionID, deref(last.SubscriptionID), deref(legacy.StripeSubscriptionID)),
		PriceID:          firstNonEmpty(deref(last.PriceID), deref(legacy.StripePriceID)),
		ProductID:        firstNonEmpty(deref(last.ProductID), deref(legacy.StripeProductID)),
		Tier:             firstNonEmpty(deref(last.PlanTier), deref(legacy.PlanTier)),
		Mode:             string(enums.PlanModeSubscription),
		Status:           statusPastDue,
		CurrentPeriodEnd: periodEnd,
		MessageAllowance: allowance,
		ResetUsage:       false,
	})
}

func (p *Processor) handleSubscription(ctx context.Context, event stripe.Event, deleted bool) (Outcome, error) {
	sub, err := decodeSubscription(rawObject(event))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode subscription")
	}
	if sub.ID == "" {
		return OutcomeIgnored, nil
	}

	metadata := mergeMetadata(sub.Metadata)
	uid := tiers.ExtractUID(metadata)
	if uid == "" {
		if uid, err = p.uidForCustomer(ctx, sub.CustomerID); err != nil {
			return "", err
		}
	}

	tier := p.identify(metadata, sub.Price)
	update := users.PlanUpdate{
		UID:              uid,
		CustomerID:       sub.CustomerID,
		SubscriptionID:   sub.ID,
		PriceID:          priceID(sub.Price),
		ProductID:        productID(sub.Price),
		Tier:             tier.String(),
		Mode:             string(enums.PlanModeSubscription),
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		MessageAllowance: allowanceFor(tier),
	}
	if deleted {
		update.Status = statusCanceled
		update.MessageAllowance = nil
	}
	return p.apply(ctx, event, update)
}

// apply performs the single write for an event. An unresolved user is
// logged and skipped without failing the event.
func (p *Processor) apply(ctx context.Context, event stripe.Event, update users.PlanUpdate) (Outcome, error) {
	if strings.TrimSpace(update.UID) == "" {
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{
			"customer_id":     update.CustomerID,
			"subscription_id": update.SubscriptionID,
		}), "stripe webhook could not resolve user")
		return OutcomeUnresolved, nil
	}

	update.EventID = event.ID
	update.EventType = string(event.Type)
	update.EventCreatedAt = eventTime(event)

	applied, err := p.users.ApplyPlanUpdate(ctx, update)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "apply plan update")
	}
	if !applied {
		p.logg.Warn(p.logg.WithUserID(ctx, update.UID), "stripe webhook older than last applied event, skipped")
		if p.metrics != nil {
			p.metrics.IncStale(string(event.Type))
		}
	}
	return OutcomeProcessed, nil
}

func (p *Processor) fetchSubscription(ctx context.Context, id string) *subscriptionInfo {
	if id == "" {
		return nil
	}
	sub, err := p.provider.GetSubscription(ctx, id)
	if err != nil {
		p.warn(p.logg.WithField(ctx, "subscription_id", id), "failed to retrieve subscription", err)
		return nil
	}
	return subscriptionFromStripe(sub)
}

func (p *Processor) uidForCustomer(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	user, err := p.users.FindByCustomerID(ctx, customerID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find user by customer")
	}
	if user == nil {
		return "", nil
	}
	return user.ID, nil
}

func (p *Processor) identify(metadata map[string]string, price *priceInfo) tiers.Tier {
	src := tiers.Sources{Session: metadata}
	if price != nil {
		src.Price = price.Metadata
		src.Product = price.ProductMetadata
		src.PriceID = price.ID
	}
	return p.resolver.IdentifyTier(src)
}

func (p *Processor) observe(eventType, outcome string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveEvent(eventType, outcome, time.Since(start))
}

func (p *Processor) warn(ctx context.Context, msg string, err error) {
	p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), msg)
}

func allowanceFor(tier tiers.Tier) *int {
	allowance, ok := tiers.AllowanceForTier(tier)
	if !ok {
		return nil
	}
	return &allowance
}

func priceID(price *priceInfo) string {
	if price == nil {
		return ""
	}
	return price.ID
}

func productID(price *priceInfo) string {
	if price == nil {
		return ""
	}
	return price.ProductID
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
