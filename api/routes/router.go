package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciadecode/lucia-billing/api/controllers"
	webhookcontrollers "github.com/luciadecode/lucia-billing/api/controllers/webhooks"
	"github.com/luciadecode/lucia-billing/api/middleware"
	"github.com/luciadecode/lucia-billing/internal/checkout"
	"github.com/luciadecode/lucia-billing/pkg/config"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/redis"
)

// Dependencies are the collaborators mounted by NewRouter. Redis may be nil,
// in which case idempotency replay and rate limiting are skipped.
type Dependencies struct {
	DB       controllers.Pinger
	Redis    *redis.Client
	Stripe   controllers.Pinger
	Checkout checkout.Service
	Usage    controllers.UsageService
	Webhooks webhookcontrollers.EventProcessor
	Verifier webhookcontrollers.EventVerifier
	Gatherer prometheus.Gatherer
}

func NewRouter(cfg *config.Config, logg *logger.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	readiness := map[string]controllers.Pinger{
		"db":     deps.DB,
		"stripe": deps.Stripe,
	}
	if deps.Redis != nil {
		readiness["redis"] = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	webhook := webhookcontrollers.StripeWebhook(deps.Webhooks, deps.Verifier, logg)
	r.Post("/stripe/webhook", webhook)
	r.Post("/api/v1/webhooks/stripe", webhook)

	payPolicy := middleware.NewRateLimitPolicy(
		"pay",
		cfg.RateLimit.Window,
		cfg.RateLimit.IPLimit,
		cfg.RateLimit.UserLimit,
	)

	r.Group(func(r chi.Router) {
		if deps.Redis != nil {
			r.Use(middleware.Idempotency(deps.Redis, logg))
			r.Use(middleware.RateLimit(payPolicy, deps.Redis, logg))
		}

		checkoutAny := controllers.CreateCheckoutSession(deps.Checkout, controllers.CheckoutOptions{}, logg)
		checkoutStrict := controllers.CreateCheckoutSession(deps.Checkout, controllers.CheckoutOptions{RequireTierOrPrice: true}, logg)
		portal := controllers.CreatePortalSession(deps.Checkout, logg)

		r.Post("/api/pay/checkout", checkoutAny)
		r.Post("/api/pay/portal", portal)
		r.Post("/stripe/create-checkout-session", checkoutStrict)
		r.Post("/stripe/create-portal-session", portal)
	})

	r.Get("/api/billing/usage/{uid}", controllers.BillingUsage(deps.Usage, logg))
	r.Post("/api/billing/usage/{uid}/exchanges", controllers.RecordExchange(deps.Usage, logg))

	return r
}
