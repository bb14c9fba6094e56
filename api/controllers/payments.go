package controllers

import (
	"net/http"
	"strings"

	"github.com/luciadecode/lucia-billing/api/middleware"
	"github.com/luciadecode/lucia-billing/api/responses"
	"github.com/luciadecode/lucia-billing/api/validators"
	"github.com/luciadecode/lucia-billing/internal/checkout"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/types"
)

type checkoutRequest struct {
	Tier     string         `json:"tier" validate:"omitempty,max=64"`
	UID      string         `json:"uid" validate:"omitempty,max=128"`
	Email    string         `json:"email" validate:"omitempty,max=320"`
	Price    string         `json:"price" validate:"omitempty,max=255"`
	Quantity any            `json:"quantity"`
	Metadata map[string]any `json:"metadata"`
}

type portalRequest struct {
	UID   string `json:"uid" validate:"omitempty,max=128"`
	Email string `json:"email" validate:"omitempty,max=320"`
}

// CheckoutOptions tunes the checkout handler per route.
type CheckoutOptions struct {
	// RequireTierOrPrice rejects bodies naming neither before the service runs.
	RequireTierOrPrice bool
}

// CreateCheckoutSession starts a hosted checkout for a tier or price and
// answers {"url","id"}.
func CreateCheckoutSession(svc checkout.Service, opts CheckoutOptions, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "checkout service unavailable"))
			return
		}

		var req checkoutRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if opts.RequireTierOrPrice && strings.TrimSpace(req.Tier) == "" && strings.TrimSpace(req.Price) == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInvalidTier, "Tier or price is required"))
			return
		}

		if logg != nil && req.UID != "" {
			ctx = logg.WithUserID(ctx, req.UID)
		}
		session, err := svc.CreateCheckoutSession(ctx, checkout.CheckoutInput{
			Tier:           req.Tier,
			UID:            req.UID,
			Email:          req.Email,
			Price:          req.Price,
			Quantity:       req.Quantity,
			Metadata:       req.Metadata,
			IdempotencyKey: r.Header.Get(middleware.IdempotencyHeader),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, types.SessionBody{URL: session.URL, ID: session.ID})
	}
}

// CreatePortalSession opens the Stripe billing portal for a known customer.
func CreatePortalSession(svc checkout.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "checkout service unavailable"))
			return
		}

		var req portalRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		session, err := svc.CreatePortalSession(ctx, checkout.PortalInput{UID: req.UID, Email: req.Email})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, types.SessionBody{URL: session.URL, ID: session.ID})
	}
}
