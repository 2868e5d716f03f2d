package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	Stripe       StripeConfig
	PayPal       PayPalConfig
	GHL          GHLConfig
	Entitlements EntitlementsConfig
	Monitoring   MonitoringConfig
	Backfill     BackfillConfig
	Alert        AlertConfig

	OffersPath string
}

// StripeConfig carries the webhook secrets for every account the store
// listens on. Aliased accounts get their own live/test secret pair via
// STRIPE_WEBHOOK_SECRET_<ALIAS> / STRIPE_WEBHOOK_SECRET_<ALIAS>_TEST.
type StripeConfig struct {
	WebhookSecretLive string
	WebhookSecretTest string
	AccountAliases    []string
	AccountSecrets    map[string]StripeAccountSecrets
}

type StripeAccountSecrets struct {
	Live string
	Test string
}

type PayPalConfig struct {
	WebhookID    string
	ClientID     string
	ClientSecret string
	APIBase      string
}

type GHLConfig struct {
	WebhookSecret         string
	APIBase               string
	Token                 string
	LocationID            string
	PurchaseMetadataField string
	LicenseKeysField      string
}

type EntitlementsConfig struct {
	BaseURL        string
	InternalSecret string
}

type MonitoringConfig struct {
	Token string
}

type BackfillConfig struct {
	Limit           int
	LookbackHours   int
	IntervalMinutes int
	MaxAttempts     int
}

type AlertConfig struct {
	WebhookURL       string
	FailureThreshold int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "storefront"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "storefront"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		Entitlements: EntitlementsConfig{
			BaseURL:        strings.TrimSpace(getenv("ENTITLEMENTS_BASE_URL", "")),
			InternalSecret: strings.TrimSpace(getenv("ENTITLEMENTS_INTERNAL_SECRET", "")),
		},
		Monitoring: MonitoringConfig{
			Token: strings.TrimSpace(getenv("MONITORING_TOKEN", "")),
		},
		Backfill: BackfillConfig{
			Limit:           getenvInt("BACKFILL_LIMIT", 25),
			LookbackHours:   getenvInt("BACKFILL_LOOKBACK_HOURS", 24),
			IntervalMinutes: getenvInt("BACKFILL_INTERVAL_MINUTES", 60),
			MaxAttempts:     getenvInt("BACKFILL_MAX_ATTEMPTS", 10),
		},
		Alert: AlertConfig{
			WebhookURL:       strings.TrimSpace(getenv("OPS_ALERT_WEBHOOK_URL", "")),
			FailureThreshold: getenvInt("OPS_ALERT_THRESHOLD", 3),
		},
		OffersPath: getenv("OFFERS_PATH", ""),
	}

	cfg.Stripe = loadStripe()
	cfg.PayPal = PayPalConfig{
		WebhookID:    strings.TrimSpace(getenv("PAYPAL_WEBHOOK_ID", "")),
		ClientID:     strings.TrimSpace(getenv("PAYPAL_CLIENT_ID", "")),
		ClientSecret: strings.TrimSpace(getenv("PAYPAL_CLIENT_SECRET", "")),
		APIBase:      getenv("PAYPAL_API_BASE", "https://api-m.paypal.com"),
	}
	cfg.GHL = GHLConfig{
		WebhookSecret:         strings.TrimSpace(getenv("GHL_WEBHOOK_SECRET", "")),
		APIBase:               getenv("GHL_API_BASE", "https://services.leadconnectorhq.com"),
		Token:                 strings.TrimSpace(getenv("GHL_API_TOKEN", "")),
		LocationID:            strings.TrimSpace(getenv("GHL_LOCATION_ID", "")),
		PurchaseMetadataField: strings.TrimSpace(getenv("GHL_FIELD_PURCHASE_METADATA", "")),
		LicenseKeysField:      strings.TrimSpace(getenv("GHL_FIELD_LICENSE_KEYS", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadStripe() StripeConfig {
	sc := StripeConfig{
		WebhookSecretLive: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		WebhookSecretTest: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_TEST", "")),
		AccountAliases:    splitList(getenv("STRIPE_ACCOUNT_ALIASES", "")),
		AccountSecrets:    map[string]StripeAccountSecrets{},
	}
	for _, alias := range sc.AccountAliases {
		key := strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
		sc.AccountSecrets[alias] = StripeAccountSecrets{
			Live: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_"+key, "")),
			Test: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET_"+key+"_TEST", "")),
		}
	}
	return sc
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
