package responses

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/types"
)

func WriteSuccess(w http.ResponseWriter, data any) {
	WriteSuccessStatus(w, http.StatusOK, data)
}

func WriteSuccessStatus(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

// WriteError renders err as {"error": code, "message": ...}. Client errors
// carry their own message; provider rejections carry Stripe's message when
// one is available; everything else gets the code's public message.
func WriteError(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	typed := pkgerrors.As(err)
	if typed == nil {
		typed = pkgerrors.Wrap(pkgerrors.CodeInternal, err, "unexpected error")
	}

	meta := pkgerrors.MetadataFor(typed.Code())
	dump := pkgerrors.Dump(err)

	msg := meta.PublicMessage
	switch {
	case meta.HTTPStatus < http.StatusInternalServerError:
		if m := typed.Message(); m != "" {
			msg = m
		}
	case typed.Code() == pkgerrors.CodeCheckoutFailed, typed.Code() == pkgerrors.CodePortalFailed:
		if dump.StripeMessage != "" {
			msg = dump.StripeMessage
		}
	}

	payload := types.ErrorBody{
		Error:   string(typed.Code()),
		Message: msg,
	}
	if meta.DetailsAllowed {
		if details := typed.Details(); details != nil {
			payload.Details = details
		}
	}

	if logg != nil {
		logCtx := logg.WithFields(ctx, dump.Fields())
		if meta.HTTPStatus < http.StatusInternalServerError {
			logg.Warn(logCtx, "request.rejected")
		} else {
			logg.Error(logCtx, "request.error", err)
		}
	}

	writeJSON(w, meta.HTTPStatus, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf(`{"level":"error","msg":"failed to encode response","err":"%v"}`, err)
	}
}
