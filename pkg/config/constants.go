package config

const EnvPrefix = "LUCIA"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "LUCIA_APP_ENV"
	EnvPort     = "LUCIA_APP_PORT"
	EnvLogLevel = "LUCIA_LOG_LEVEL"

	EnvDBDSN  = "LUCIA_DB_DSN"
	EnvDBHost = "LUCIA_DB_HOST"
	EnvDBUser = "LUCIA_DB_USER"
	EnvDBName = "LUCIA_DB_NAME"

	EnvUseSQLite = "LUCIA_USE_SQLITE"
	EnvRedisURL  = "LUCIA_REDIS_URL"

	EnvStripeSecretKey     = "LUCIA_STRIPE_SECRET_KEY"
	EnvStripeWebhookSecret = "LUCIA_STRIPE_WEBHOOK_SECRET"
	EnvStripeSecretARN     = "LUCIA_STRIPE_SECRET_ARN"
	EnvStripeEnv           = "LUCIA_STRIPE_ENV"
	EnvStripeSuccessURL    = "LUCIA_STRIPE_SUCCESS_URL"
	EnvStripeCancelURL     = "LUCIA_STRIPE_CANCEL_URL"
	EnvStripePortalURL     = "LUCIA_STRIPE_PORTAL_RETURN_URL"

	EnvPriceBasic     = "LUCIA_PRICE_BASIC"
	EnvPriceMedium    = "LUCIA_PRICE_MEDIUM"
	EnvPriceIntensive = "LUCIA_PRICE_INTENSIVE"
	EnvPriceTotal     = "LUCIA_PRICE_TOTAL"

	EnvWebhookEventLog = "LUCIA_WEBHOOK_EVENT_LOG"
	EnvAWSRegion       = "LUCIA_AWS_REGION"
)

const (
	DefaultSuccessURL = "https://www.luciadecode.com/success"
	DefaultCancelURL  = "https://www.luciadecode.com/cancel"
	DefaultAWSRegion  = "eu-west-1"
	DefaultSQLiteDSN  = "file:lucia.db?cache=shared"
)

const (
	EventLogBackendDB    = "db"
	EventLogBackendRedis = "redis"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

// Unprefixed names still exported by older deployments and the frontend build.
var (
	legacyStripeSecretKey     = []string{"STRIPE_SECRET_KEY"}
	legacyStripeWebhookSecret = []string{"STRIPE_WEBHOOK_SECRET", "WEBHOOK_SIGNING_SECRET"}
	legacyStripeAPIVersion    = []string{"STRIPE_API_VERSION"}
	legacySuccessURL          = []string{"STRIPE_SUCCESS_URL"}
	legacyCancelURL           = []string{"STRIPE_CANCEL_URL"}
	legacyPortalReturnURL     = []string{"STRIPE_PORTAL_RETURN_URL"}
	legacyAWSRegion           = []string{"AWS_REGION", "AWS_DEFAULT_REGION"}

	legacyPriceBasic     = []string{"PRICE_BASIC", "STRIPE_PRICE_BASIC", "VITE_STRIPE_PRICE_BASIC"}
	legacyPriceMedium    = []string{"PRICE_MEDIUM", "STRIPE_PRICE_MEDIUM", "VITE_STRIPE_PRICE_MEDIUM"}
	legacyPriceIntensive = []string{"PRICE_INTENSIVE", "STRIPE_PRICE_INTENSIVE", "VITE_STRIPE_PRICE_INTENSIVE"}
	legacyPriceTotal     = []string{"PRICE_TOTAL", "STRIPE_PRICE_TOTAL", "VITE_STRIPE_PRICE_TOTAL"}
)
