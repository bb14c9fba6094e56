package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v84"
	portalsession "github.com/stripe/stripe-go/v84/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/price"
	"github.com/stripe/stripe-go/v84/subscription"

	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

// SearchCustomer returns the first customer matching a search query, or nil.
func (c *Client) SearchCustomer(ctx context.Context, query string) (*stripe.Customer, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CustomerSearchParams{}
	params.Query = query
	params.Limit = stripe.Int64(1)
	params.Single = true
	params.Context = callCtx

	iter := customer.Search(params)
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, Classify(err, pkgerrors.CodeDependency, "search stripe customers")
	}
	return nil, nil
}

// FindCustomerByEmail returns the first customer with email, or nil.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	params.Single = true
	params.Context = callCtx

	iter := customer.List(params)
	if iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, Classify(err, pkgerrors.CodeDependency, "list stripe customers")
	}
	return nil, nil
}

func (c *Client) CreateCustomer(ctx context.Context, params *stripe.CustomerParams) (*stripe.Customer, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params.Context = callCtx
	cust, err := customer.New(params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodeDependency, "create stripe customer")
	}
	return cust, nil
}

// GetPrice retrieves a price with its product expanded.
func (c *Client) GetPrice(ctx context.Context, id string) (*stripe.Price, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.PriceParams{}
	params.AddExpand("product")
	params.Context = callCtx
	p, err := price.Get(id, params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodeInvalidPrice, "retrieve stripe price")
	}
	return p, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params.Context = callCtx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodeCheckoutFailed, "create checkout session")
	}
	return sess, nil
}

// GetCheckoutSession re-fetches a session with line items, prices and products.
func (c *Client) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.AddExpand("line_items.data.price.product")
	params.Context = callCtx
	sess, err := checkoutsession.Get(id, params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodeDependency, "retrieve checkout session")
	}
	return sess, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params.Context = callCtx
	sess, err := portalsession.New(params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodePortalFailed, "create billing portal session")
	}
	return sess, nil
}

// GetSubscription retrieves a subscription with item prices and products.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.AddExpand("items.data.price.product")
	params.Context = callCtx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, Classify(err, pkgerrors.CodeDependency, "retrieve subscription")
	}
	return sub, nil
}

// Classify wraps a Stripe failure. Provider 5xx, rate limits, timeouts and
// network failures become dependency errors; everything else gets fallback.
func Classify(err error, fallback pkgerrors.Code, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 || stripeErr.Type == stripe.ErrorTypeAPI {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
		}
		return pkgerrors.Wrap(fallback, err, message)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, message)
}

// ProviderMessage returns Stripe's own message for diagnostics, if any.
func ProviderMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return strings.TrimSpace(stripeErr.Msg)
	}
	return ""
}
