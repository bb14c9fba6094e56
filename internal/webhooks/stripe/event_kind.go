package stripewebhook

import "github.com/stripe/stripe-go/v84"

// EventKind is the handler family an event type dispatches to.
type EventKind int

const (
	EventKindIgnored EventKind = iota
	EventKindCheckoutSession
	EventKindInvoicePaid
	EventKindInvoiceFailed
	EventKindSubscriptionChanged
	EventKindSubscriptionDeleted
)

var eventKinds = map[stripe.EventType]EventKind{
	stripe.EventTypeCheckoutSessionCompleted:             EventKindCheckoutSession,
	stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded: EventKindCheckoutSession,
	stripe.EventTypeInvoicePaymentSucceeded:              EventKindInvoicePaid,
	stripe.EventTypeInvoicePaymentFailed:                 EventKindInvoiceFailed,
	stripe.EventTypeCustomerSubscriptionCreated:          EventKindSubscriptionChanged,
	stripe.EventTypeCustomerSubscriptionUpdated:          EventKindSubscriptionChanged,
	stripe.EventTypeCustomerSubscriptionDeleted:          EventKindSubscriptionDeleted,
}

// KindOf maps a Stripe event type to its handler family.
func KindOf(eventType stripe.EventType) EventKind {
	if kind, ok := eventKinds[eventType]; ok {
		return kind
	}
	return EventKindIgnored
}

func (k EventKind) String() string {
	switch k {
	case EventKindCheckoutSession:
		return "checkout_session"
	case EventKindInvoicePaid:
		return "invoice_paid"
	case EventKindInvoiceFailed:
		return "invoice_failed"
	case EventKindSubscriptionChanged:
		return "subscription_changed"
	case EventKindSubscriptionDeleted:
		return "subscription_deleted"
	default:
		return "ignored"
	}
}
