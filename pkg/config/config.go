package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	ServiceAuth  ServiceAuthConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Stripe       StripeConfig
	Sendgrid     SendgridConfig
	Twilio       TwilioConfig
	Dispatcher   DispatcherConfig
	Email        EmailConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MigrationConfig is the subset of settings the migration tool needs.
type MigrationConfig struct {
	Env          string `envconfig:"RECONCILER_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"RECONCILER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RECONCILER_LOG_WARN_STACK" default:"false"`
	DB           DBConfig
}

// LoadMigration reads only the app and database settings so schema changes can run
// without provider credentials.
func LoadMigration() (*MigrationConfig, error) {
	var cfg MigrationConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RECONCILER_APP_ENV" required:"true"`
	Port         string `envconfig:"RECONCILER_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"RECONCILER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RECONCILER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"RECONCILER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"RECONCILER_DB_DSN"`

	LegacyHost     string `envconfig:"RECONCILER_DB_HOST"`
	LegacyPort     int    `envconfig:"RECONCILER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RECONCILER_DB_USER"`
	LegacyPassword string `envconfig:"RECONCILER_DB_PASSWORD"`
	LegacyName     string `envconfig:"RECONCILER_DB_NAME"`
	LegacySSLMode  string `envconfig:"RECONCILER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RECONCILER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RECONCILER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RECONCILER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RECONCILER_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"RECONCILER_DB_SLOW_QUERY" default:"500ms"`
	TxRetries          int           `envconfig:"RECONCILER_DB_TX_RETRIES" default:"2"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RECONCILER_REDIS_URL" required:"true"`
	Address      string        `envconfig:"RECONCILER_REDIS_ADDR"`
	Password     string        `envconfig:"RECONCILER_REDIS_PASSWORD"`
	DB           int           `envconfig:"RECONCILER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RECONCILER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RECONCILER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RECONCILER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RECONCILER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RECONCILER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// ServiceAuthConfig secures the internal query and command API.
type ServiceAuthConfig struct {
	Secret            string `envconfig:"RECONCILER_SERVICE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"RECONCILER_SERVICE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"RECONCILER_SERVICE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	AutoMigrate   bool `envconfig:"RECONCILER_AUTO_MIGRATE" default:"false"`
	InlineEffects bool `envconfig:"RECONCILER_EFFECTS_INLINE" default:"false"`
	SMSAlerts     bool `envconfig:"RECONCILER_FEATURE_SMS_ALERTS" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"RECONCILER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"RECONCILER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"RECONCILER_GOOGLE_APPLICATION_CREDENTIALS"`
}

// PubSubConfig names the operational alert topic. Alerts fall back to logs when unset.
type PubSubConfig struct {
	AlertTopic string `envconfig:"RECONCILER_PUBSUB_ALERT_TOPIC"`
}

// Enabled reports whether alerts should be published to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.AlertTopic) != ""
}

type StripeConfig struct {
	APIKey string `envconfig:"RECONCILER_STRIPE_API_KEY"`
	Secret string `envconfig:"RECONCILER_STRIPE_SECRET" required:"true"`
	Env    string `envconfig:"RECONCILER_STRIPE_ENV" default:"test"`
	// SignatureTolerance bounds the accepted age of a signed delivery.
	SignatureTolerance time.Duration `envconfig:"RECONCILER_STRIPE_SIGNATURE_TOLERANCE" default:"5m"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SendgridConfig struct {
	APIKey      string `envconfig:"RECONCILER_SENDGRID_API_KEY"`
	DefaultFrom string `envconfig:"RECONCILER_SENDGRID_FROM_EMAIL" default:"billing@example.com"`
	FromName    string `envconfig:"RECONCILER_SENDGRID_FROM_NAME" default:"Billing"`
}

type TwilioConfig struct {
	AccountSID string        `envconfig:"RECONCILER_TWILIO_ACCOUNT_SID"`
	AuthToken  string        `envconfig:"RECONCILER_TWILIO_AUTH_TOKEN"`
	FromNumber string        `envconfig:"RECONCILER_TWILIO_FROM_NUMBER"`
	Timeout    time.Duration `envconfig:"RECONCILER_TWILIO_TIMEOUT" default:"10s"`
}

// Enabled reports whether SMS credentials are present.
func (t TwilioConfig) Enabled() bool {
	return t.AccountSID != "" && t.AuthToken != "" && t.FromNumber != ""
}

type DispatcherConfig struct {
	BatchSize      int           `envconfig:"RECONCILER_DISPATCH_BATCH_SIZE" default:"25"`
	PollIntervalMS int           `envconfig:"RECONCILER_DISPATCH_POLL_MS" default:"1000"`
	MaxRetries     int           `envconfig:"RECONCILER_DISPATCH_MAX_RETRIES" default:"3"`
	BaseBackoff    time.Duration `envconfig:"RECONCILER_DISPATCH_BASE_BACKOFF" default:"30s"`
	EffectTimeout  time.Duration `envconfig:"RECONCILER_DISPATCH_EFFECT_TIMEOUT" default:"10s"`
}

type EmailConfig struct {
	DailyLimit      int64   `envconfig:"RECONCILER_EMAIL_DAILY_LIMIT" default:"500"`
	PerSecondBudget float64 `envconfig:"RECONCILER_EMAIL_PER_SECOND" default:"5"`
	SMSPerSecond    float64 `envconfig:"RECONCILER_SMS_PER_SECOND" default:"1"`
}

type RetentionConfig struct {
	ProcessedEventDays int           `envconfig:"RECONCILER_RETENTION_PROCESSED_EVENT_DAYS" default:"90"`
	IntentDays         int           `envconfig:"RECONCILER_RETENTION_INTENT_DAYS" default:"30"`
	PlaceholderMaxAge  time.Duration `envconfig:"RECONCILER_PLACEHOLDER_MAX_AGE" default:"1h"`
	CronInterval       time.Duration `envconfig:"RECONCILER_CRON_INTERVAL" default:"5m"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
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
