package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/api/responses"
	stripewebhook "github.com/luciadecode/lucia-billing/internal/webhooks/stripe"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/types"
)

const maxWebhookBytes = 1 << 20

// EventVerifier checks the Stripe-Signature header and decodes the event.
type EventVerifier interface {
	ConstructEvent(ctx context.Context, payload []byte, header string) (stripe.Event, error)
}

// EventProcessor applies a verified event.
type EventProcessor interface {
	Process(ctx context.Context, event stripe.Event) (stripewebhook.Outcome, error)
}

// StripeWebhook verifies and processes one Stripe delivery. Duplicates and
// ignored events are acknowledged like processed ones; a processing failure
// answers with the error's status so Stripe retries.
func StripeWebhook(processor EventProcessor, verifier EventVerifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if processor == nil || verifier == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "stripe webhook is not configured"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		event, err := verifier.ConstructEvent(ctx, payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		outcome, err := processor.Process(ctx, event)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"event_id":   event.ID,
				"event_type": string(event.Type),
				"outcome":    string(outcome),
			}), "stripe webhook acknowledged")
		}
		responses.WriteSuccess(w, types.WebhookAck{Received: true})
	}
}
