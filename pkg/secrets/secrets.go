package secrets

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	pkgerrors "github.com/luciadecode/lucia-billing/pkg/errors"
)

// Keys accepted inside a JSON secret payload, in priority order.
var (
	secretKeyFields     = []string{"STRIPE_SECRET_KEY", "secretKey", "key", "STRIPE_API_KEY"}
	webhookSecretFields = []string{"WEBHOOK_SIGNING_SECRET", "STRIPE_WEBHOOK_SECRET", "webhookSecret", "webhook", "whsec"}
)

// Credentials are the Stripe secrets needed at runtime.
type Credentials struct {
	SecretKey     string
	WebhookSecret string
}

// API is the Secrets Manager surface the loader needs.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// APIFactory builds a Secrets Manager client for region.
type APIFactory func(ctx context.Context, region string) (API, error)

type Options struct {
	// Direct values from the environment. A direct secret key skips
	// Secrets Manager entirely; a direct webhook secret always wins.
	SecretKey     string
	WebhookSecret string
	SecretARN     string
	Region        string
	NewAPI        APIFactory
}

// Loader resolves Credentials once per process. Failed attempts are not
// cached so the next call retries.
type Loader struct {
	opts Options

	mu     sync.Mutex
	cached *Credentials
}

func NewLoader(opts Options) *Loader {
	if opts.NewAPI == nil {
		opts.NewAPI = NewAWSAPI
	}
	return &Loader{opts: opts}
}

// NewAWSAPI builds a Secrets Manager client from the default credential chain.
func NewAWSAPI(ctx context.Context, region string) (API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (l *Loader) Load(ctx context.Context) (Credentials, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cached != nil {
		return *l.cached, nil
	}

	creds, err := l.resolve(ctx)
	if err != nil {
		return Credentials{}, err
	}
	l.cached = &creds
	return creds, nil
}

func (l *Loader) resolve(ctx context.Context) (Credentials, error) {
	direct := Credentials{
		SecretKey:     strings.TrimSpace(l.opts.SecretKey),
		WebhookSecret: strings.TrimSpace(l.opts.WebhookSecret),
	}
	if direct.SecretKey != "" {
		return direct, nil
	}

	arn := strings.TrimSpace(l.opts.SecretARN)
	if arn == "" {
		return Credentials{}, pkgerrors.New(pkgerrors.CodeConfiguration, "stripe secret key is not configured")
	}

	api, err := l.opts.NewAPI(ctx, l.opts.Region)
	if err != nil {
		return Credentials{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load aws config")
	}
	out, err := api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		return Credentials{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch stripe secret")
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	}

	parsed := ParsePayload(raw)
	if parsed.SecretKey == "" {
		return Credentials{}, pkgerrors.New(pkgerrors.CodeConfiguration, "stripe secret payload has no secret key")
	}
	if direct.WebhookSecret != "" {
		parsed.WebhookSecret = direct.WebhookSecret
	}
	return parsed, nil
}

// ParsePayload reads a secret value that is either the bare secret key or a
// JSON object carrying the key and optionally the webhook signing secret.
func ParsePayload(raw string) Credentials {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Credentials{}
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return Credentials{SecretKey: trimmed}
	}
	return Credentials{
		SecretKey:     firstString(fields, secretKeyFields),
		WebhookSecret: firstString(fields, webhookSecretFields),
	}
}

func firstString(fields map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := fields[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}
