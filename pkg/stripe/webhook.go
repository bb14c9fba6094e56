package stripe

import (
	"context"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

// ConstructEvent verifies the Stripe-Signature header against the webhook
// secret and decodes the event. Events from a newer API version are accepted;
// payload fields are read defensively downstream.
func (c *Client) ConstructEvent(ctx context.Context, payload []byte, header string) (stripe.Event, error) {
	st, err := c.init(ctx)
	if err != nil {
		return stripe.Event{}, err
	}
	if strings.TrimSpace(st.webhookSecret) == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeConfiguration, "stripe webhook secret is not configured")
	}
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, pkgerrors.New(pkgerrors.CodeInvalidSignature, "missing stripe-signature header")
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, st.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, pkgerrors.Wrap(pkgerrors.CodeInvalidSignature, err, "verify webhook signature")
	}

	if c.logg != nil && event.APIVersion != "" && event.APIVersion != stripe.APIVersion {
		c.logg.Warn(c.logg.WithFields(ctx, map[string]any{
			"event_id":          event.ID,
			"event_api_version": event.APIVersion,
			"sdk_api_version":   stripe.APIVersion,
		}), "stripe event api version differs from sdk")
	}
	return event, nil
}
