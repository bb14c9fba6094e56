package controllers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/luciadecode/lucia-billing/api/responses"
	"github.com/luciadecode/lucia-billing/api/validators"
	"github.com/luciadecode/lucia-billing/internal/quota"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
)

// UsageService reads and records chat exchanges against a user's allowance.
type UsageService interface {
	Usage(ctx context.Context, uid string) (quota.Usage, error)
	RecordExchange(ctx context.Context, uid string) (quota.Usage, bool, error)
}

type exchangeResponse struct {
	Allowed bool        `json:"allowed"`
	Usage   quota.Usage `json:"usage"`
}

// BillingUsage returns the quota projection for one user.
func BillingUsage(svc UsageService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "usage service unavailable"))
			return
		}
		uid := validators.SanitizeString(chi.URLParam(r, "uid"), 128)
		usage, err := svc.Usage(ctx, uid)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, usage)
	}
}

// RecordExchange consumes one chat exchange from the user's quota. A user
// already at the cap gets allowed=false and an unchanged projection.
func RecordExchange(svc UsageService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConfiguration, "usage service unavailable"))
			return
		}
		uid := validators.SanitizeString(chi.URLParam(r, "uid"), 128)
		usage, allowed, err := svc.RecordExchange(ctx, uid)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, exchangeResponse{Allowed: allowed, Usage: usage})
	}
}
