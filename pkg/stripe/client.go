package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/stripe/stripe-go/v84"

	"github.com/luciadecode/lucia-billing/pkg/config"
	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
	"github.com/luciadecode/lucia-billing/pkg/logger"
	"github.com/luciadecode/lucia-billing/pkg/secrets"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var errInvalidStripeEnv = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)

// CredentialSource yields the Stripe secrets. *secrets.Loader satisfies it.
type CredentialSource interface {
	Load(ctx context.Context) (secrets.Credentials, error)
}

type state struct {
	environment   string
	webhookSecret string
}

// Client is the process-wide Stripe gateway. It initializes lazily on first
// use; a failed initialization is retried on the next call.
type Client struct {
	cfg    config.StripeConfig
	source CredentialSource
	logg   *logger.Logger

	mu    sync.Mutex
	ready *state
}

// NewClient builds a lazy Stripe client. No network call happens here.
func NewClient(cfg config.StripeConfig, source CredentialSource, logg *logger.Logger) (*Client, error) {
	if source == nil {
		return nil, errors.New("stripe credential source is required")
	}
	if _, err := normalizeEnv(cfg.Environment()); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, source: source, logg: logg}, nil
}

func (c *Client) init(ctx context.Context) (*state, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ready != nil {
		return c.ready, nil
	}

	env, err := normalizeEnv(c.cfg.Environment())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "stripe environment")
	}

	creds, err := c.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateAPIKey(env, creds.SecretKey); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConfiguration, err, "stripe secret key")
	}

	stripe.Key = creds.SecretKey
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = c.cfg.RequestTimeout
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(c.cfg.MaxNetworkRetries),
	}))

	if c.logg != nil {
		fields := map[string]any{"stripe_env": env, "api_version": stripe.APIVersion}
		logCtx := c.logg.WithFields(ctx, fields)
		if pinned := strings.TrimSpace(c.cfg.APIVersion); pinned != "" && pinned != stripe.APIVersion {
			c.logg.Warn(c.logg.WithField(logCtx, "configured_api_version", pinned), "configured stripe api version differs from sdk version")
		}
		c.logg.Info(logCtx, "stripe client initialized")
	}

	c.ready = &state{environment: env, webhookSecret: creds.WebhookSecret}
	return c.ready, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	env, err := normalizeEnv(c.cfg.Environment())
	if err != nil {
		return ""
	}
	return env
}

// Ping initializes the client, resolving secrets if needed.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.init(ctx)
	return err
}

// callContext initializes the client and bounds ctx by the request timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if _, err := c.init(ctx); err != nil {
		return nil, nil, err
	}
	if c.cfg.RequestTimeout > 0 {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		return callCtx, cancel, nil
	}
	callCtx, cancel := context.WithCancel(ctx)
	return callCtx, cancel, nil
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateAPIKey(env, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("stripe api key is required")
	}
	switch env {
	case testEnv:
		if strings.HasPrefix(key, "sk_test") || strings.HasPrefix(key, "rk_test") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a test secret key (sk_test/rk_test)", testEnv)
	case liveEnv:
		if strings.HasPrefix(key, "sk_live") || strings.HasPrefix(key, "rk_live") {
			return nil
		}
		return fmt.Errorf("stripe environment %q requires a live secret key (sk_live/rk_live)", liveEnv)
	default:
		return errInvalidStripeEnv
	}
}
