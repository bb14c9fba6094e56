package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"

	"github.com/luciadecode/lucia-billing/pkg/env"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Stripe       StripeConfig
	Prices       PricesConfig
	Webhooks     WebhookConfig
	AWS          AWSConfig
	CORS         CORSConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyLegacyFallbacks()
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"LUCIA_APP_ENV" required:"true"`
	Port         string `envconfig:"LUCIA_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"LUCIA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LUCIA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN string `envconfig:"LUCIA_DB_DSN"`

	LegacyHost     string `envconfig:"LUCIA_DB_HOST"`
	LegacyPort     int    `envconfig:"LUCIA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"LUCIA_DB_USER"`
	LegacyPassword string `envconfig:"LUCIA_DB_PASSWORD"`
	LegacyName     string `envconfig:"LUCIA_DB_NAME"`
	LegacySSLMode  string `envconfig:"LUCIA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LUCIA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LUCIA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LUCIA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LUCIA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"LUCIA_REDIS_URL"`
	Address      string        `envconfig:"LUCIA_REDIS_ADDR"`
	Password     string        `envconfig:"LUCIA_REDIS_PASSWORD"`
	DB           int           `envconfig:"LUCIA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LUCIA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LUCIA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LUCIA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LUCIA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LUCIA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any Redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"LUCIA_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"LUCIA_AUTO_MIGRATE" default:"false"`
}

// StripeConfig carries the payment provider settings. Secrets may be empty
// when SecretARN points at an AWS Secrets Manager entry holding them.
type StripeConfig struct {
	SecretKey         string        `envconfig:"LUCIA_STRIPE_SECRET_KEY"`
	WebhookSecret     string        `envconfig:"LUCIA_STRIPE_WEBHOOK_SECRET"`
	SecretARN         string        `envconfig:"LUCIA_STRIPE_SECRET_ARN"`
	Env               string        `envconfig:"LUCIA_STRIPE_ENV" default:"test"`
	APIVersion        string        `envconfig:"LUCIA_STRIPE_API_VERSION"`
	SuccessURL        string        `envconfig:"LUCIA_STRIPE_SUCCESS_URL"`
	CancelURL         string        `envconfig:"LUCIA_STRIPE_CANCEL_URL"`
	PortalReturnURL   string        `envconfig:"LUCIA_STRIPE_PORTAL_RETURN_URL"`
	RequestTimeout    time.Duration `envconfig:"LUCIA_STRIPE_REQUEST_TIMEOUT" default:"30s"`
	MaxNetworkRetries int64         `envconfig:"LUCIA_STRIPE_MAX_NETWORK_RETRIES" default:"2"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// PricesConfig maps each plan tier to its configured Stripe price id.
type PricesConfig struct {
	Basic     string `envconfig:"LUCIA_PRICE_BASIC"`
	Medium    string `envconfig:"LUCIA_PRICE_MEDIUM"`
	Intensive string `envconfig:"LUCIA_PRICE_INTENSIVE"`
	Total     string `envconfig:"LUCIA_PRICE_TOTAL"`
}

// ByTier returns the raw configured values keyed by canonical tier name.
func (p PricesConfig) ByTier() map[string]string {
	return map[string]string{
		"basic":     strings.TrimSpace(p.Basic),
		"medium":    strings.TrimSpace(p.Medium),
		"intensive": strings.TrimSpace(p.Intensive),
		"total":     strings.TrimSpace(p.Total),
	}
}

// Validate reports configured values that do not look like Stripe price ids.
// Such entries are ignored at lookup time, so callers usually log this.
func (p PricesConfig) Validate() error {
	var err error
	for tier, value := range p.ByTier() {
		if value != "" && !strings.HasPrefix(value, "price_") {
			err = multierr.Append(err, fmt.Errorf("price for tier %q must start with price_, got %q", tier, value))
		}
	}
	return err
}

type WebhookConfig struct {
	EventLogBackend string        `envconfig:"LUCIA_WEBHOOK_EVENT_LOG" default:"db"`
	EventLogTTL     time.Duration `envconfig:"LUCIA_WEBHOOK_EVENT_LOG_TTL" default:"720h"`
	OrderingGuard   bool          `envconfig:"LUCIA_WEBHOOK_ORDERING_GUARD" default:"true"`
}

type AWSConfig struct {
	Region string `envconfig:"LUCIA_AWS_REGION"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"LUCIA_CORS_ALLOWED_ORIGINS" default:"https://www.luciadecode.com,https://luciadecode.com,http://localhost:5173"`
}

type RateLimitConfig struct {
	Window    time.Duration `envconfig:"LUCIA_RATE_LIMIT_WINDOW" default:"1m"`
	IPLimit   int           `envconfig:"LUCIA_RATE_LIMIT_IP_LIMIT" default:"30"`
	UserLimit int           `envconfig:"LUCIA_RATE_LIMIT_USER_LIMIT" default:"10"`
}

func (c *Config) applyLegacyFallbacks() {
	s := &c.Stripe
	s.SecretKey = firstNonEmpty(s.SecretKey, env.First(legacyStripeSecretKey...))
	s.WebhookSecret = firstNonEmpty(s.WebhookSecret, env.First(legacyStripeWebhookSecret...))
	s.APIVersion = firstNonEmpty(s.APIVersion, env.First(legacyStripeAPIVersion...))
	s.SuccessURL = firstNonEmpty(s.SuccessURL, env.First(legacySuccessURL...), DefaultSuccessURL)
	s.CancelURL = firstNonEmpty(s.CancelURL, env.First(legacyCancelURL...), DefaultCancelURL)
	s.PortalReturnURL = firstNonEmpty(s.PortalReturnURL, env.First(legacyPortalReturnURL...), s.SuccessURL)

	p := &c.Prices
	p.Basic = firstNonEmpty(p.Basic, env.First(legacyPriceBasic...))
	p.Medium = firstNonEmpty(p.Medium, env.First(legacyPriceMedium...))
	p.Intensive = firstNonEmpty(p.Intensive, env.First(legacyPriceIntensive...))
	p.Total = firstNonEmpty(p.Total, env.First(legacyPriceTotal...))

	c.AWS.Region = firstNonEmpty(c.AWS.Region, env.First(legacyAWSRegion...), DefaultAWSRegion)
}

func (c *Config) validate() error {
	var err error
	switch strings.ToLower(strings.TrimSpace(c.Webhooks.EventLogBackend)) {
	case EventLogBackendDB:
	case EventLogBackendRedis:
		if !c.Redis.Enabled() {
			err = multierr.Append(err, fmt.Errorf("%s=redis requires %s", EnvWebhookEventLog, EnvRedisURL))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("%s must be %q or %q", EnvWebhookEventLog, EventLogBackendDB, EventLogBackendRedis))
	}
	if c.Stripe.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("stripe request timeout must be positive"))
	}
	for name, raw := range map[string]string{
		EnvStripeSuccessURL: c.Stripe.SuccessURL,
		EnvStripeCancelURL:  c.Stripe.CancelURL,
		EnvStripePortalURL:  c.Stripe.PortalReturnURL,
	} {
		if u, parseErr := url.Parse(raw); parseErr != nil || u.Scheme == "" || u.Host == "" {
			err = multierr.Append(err, fmt.Errorf("%s must be an absolute url, got %q", name, raw))
		}
	}
	return err
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = DefaultSQLiteDSN
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, name := range legacyDBEnvVars {
		if legacyValues[name] == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
