package config

// EnvPrefix is passed to envconfig; every field carries its full variable name.
const EnvPrefix = "RECONCILER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv            = "RECONCILER_APP_ENV"
	EnvPort              = "RECONCILER_APP_PORT"
	EnvLogLevel          = "RECONCILER_LOG_LEVEL"
	EnvDBDSN             = "RECONCILER_DB_DSN"
	EnvDBHost            = "RECONCILER_DB_HOST"
	EnvDBPort            = "RECONCILER_DB_PORT"
	EnvDBUser            = "RECONCILER_DB_USER"
	EnvDBPassword        = "RECONCILER_DB_PASSWORD"
	EnvDBName            = "RECONCILER_DB_NAME"
	EnvRedisURL          = "RECONCILER_REDIS_URL"
	EnvServiceJWTSecret  = "RECONCILER_SERVICE_JWT_SECRET"
	EnvServiceJWTIssuer  = "RECONCILER_SERVICE_JWT_ISSUER"
	EnvStripeSecret      = "RECONCILER_STRIPE_SECRET"
	EnvStripeAPIKey      = "RECONCILER_STRIPE_API_KEY"
	EnvPubSubAlertTopic  = "RECONCILER_PUBSUB_ALERT_TOPIC"
	EnvDispatchRetries   = "RECONCILER_DISPATCH_MAX_RETRIES"
	EnvEmailDailyLimit   = "RECONCILER_EMAIL_DAILY_LIMIT"
	EnvTwilioAccountSID  = "RECONCILER_TWILIO_ACCOUNT_SID"
	EnvTwilioAuthToken   = "RECONCILER_TWILIO_AUTH_TOKEN"
	EnvTwilioFromNumber  = "RECONCILER_TWILIO_FROM_NUMBER"
	EnvRetentionEventDay = "RECONCILER_RETENTION_PROCESSED_EVENT_DAYS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
