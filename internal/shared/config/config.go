package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Encryption  EncryptionConfig
	Providers   ProvidersConfig
	Webhooks    WebhookConfig
	WHMCS       WHMCSConfig
	Matching    MatchingConfig
	Scheduler   SchedulerConfig
	TLS         TLSConfig
	Firebase    FirebaseConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
	// PublicURL is the externally reachable base URL, used to build OAuth
	// redirect URIs.
	PublicURL string
	// ConnectCompleteURL is where the browser lands after an OAuth callback.
	// Empty means the callback answers with JSON.
	ConnectCompleteURL string
	// ProviderTimeout bounds every outbound call to providers and the invoice source.
	ProviderTimeout time.Duration
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	AutoMigrate bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type EncryptionConfig struct {
	Key string
	// PreviousKeys still decrypt values sealed before a key rotation.
	PreviousKeys []string
}

type ProvidersConfig struct {
	CatalogFile string
	GoCardless  OAuthClientConfig
	Stripe      OAuthClientConfig
	StateTTL    time.Duration
}

type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
}

type WebhookConfig struct {
	GoCardlessCAPath string
	// AllowUnverifiedCerts skips certificate verification for sandbox
	// webhooks. Load rejects it in production.
	AllowUnverifiedCerts bool
	StripeSecret         string
	// ClientCertHeader names the header a TLS-terminating proxy forwards the
	// client certificate in. Empty disables the header.
	ClientCertHeader string
}

type WHMCSConfig struct {
	// Gateways maps provider names to WHMCS payment gateway modules.
	Gateways map[string]string
}

type MatchingConfig struct {
	MinConfidence      float64
	AutoApplyThreshold float64
	AutoApplyWindow    time.Duration
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type FirebaseConfig struct {
	CredentialsFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
}

func newViper() *viper.Viper {
	v := viper.New()

	defaults := map[string]any{
		"APP_ENV":                        EnvDevelopment,
		"PORT":                           "8080",
		"HOST":                           "0.0.0.0",
		"ALLOWED_HOSTS":                  "",
		"PUBLIC_URL":                     "http://localhost:8080",
		"CONNECT_COMPLETE_URL":           "",
		"PROVIDER_TIMEOUT":               "10s",
		"DB_HOST":                        "localhost",
		"DB_PORT":                        "5432",
		"DB_USER":                        "ledgermatch",
		"DB_PASSWORD":                    "",
		"DB_NAME":                        "ledgermatch",
		"DB_SSLMODE":                     "disable",
		"DB_AUTO_MIGRATE":                false,
		"DB_MAX_OPEN_CONNS":              "25",
		"DB_MAX_IDLE_CONNS":              "5",
		"DB_CONN_MAX_LIFETIME":           "5m",
		"JWT_SECRET":                     "",
		"ENCRYPTION_KEY":                 "",
		"ENCRYPTION_PREVIOUS_KEYS":       "",
		"PROVIDER_CATALOG_FILE":          "",
		"GOCARDLESS_CLIENT_ID":           "",
		"GOCARDLESS_CLIENT_SECRET":       "",
		"STRIPE_CLIENT_ID":               "",
		"STRIPE_CLIENT_SECRET":           "",
		"OAUTH_STATE_TTL":                "10m",
		"WEBHOOK_GOCARDLESS_CA_PATH":     "",
		"WEBHOOK_ALLOW_UNVERIFIED_CERTS": false,
		"STRIPE_WEBHOOK_SECRET":          "",
		"WEBHOOK_CLIENT_CERT_HEADER":     "",
		"WHMCS_GATEWAYS":                 "",
		"MATCH_MIN_CONFIDENCE":           "0.5",
		"MATCH_AUTO_APPLY_THRESHOLD":     "0.9",
		"MATCH_AUTO_APPLY_WINDOW":        "720h",
		"SCHEDULER_ENABLED":              false,
		"SCHEDULER_TIMES":                "06:00,18:00",
		"SCHEDULER_WORKERS":              "4",
		"SCHEDULER_JOB_DELAY":            "1s",
		"SCHEDULER_QUEUE_SIZE":           "100",
		"SCHEDULER_RUN_ON_STARTUP":       false,
		"TLS_ENABLED":                    false,
		"TLS_CERT_PATH":                  "",
		"TLS_KEY_PATH":                   "",
		"TLS_REDIRECT_HTTP":              false,
		"FIREBASE_CREDENTIALS_FILE":      "",
		"OTEL_ENABLED":                   false,
		"OTEL_SERVICE_NAME":              "ledgermatch-api",
		"OTEL_EXPORTER_ENDPOINT":         "localhost:4317",
		"METRICS_PORT":                   "9090",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()
	return v
}

// Load reads configuration from the environment and, when LEDGERMATCH_CONFIG
// points at a file, from that file. Environment variables win.
func Load() (*Config, error) {
	v := newViper()

	if path := v.GetString("LEDGERMATCH_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	dbPort, err := strconv.Atoi(v.GetString("DB_PORT"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	dbMaxOpen, err := strconv.Atoi(v.GetString("DB_MAX_OPEN_CONNS"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	dbMaxIdle, err := strconv.Atoi(v.GetString("DB_MAX_IDLE_CONNS"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	dbConnLifetime, err := time.ParseDuration(v.GetString("DB_CONN_MAX_LIFETIME"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}

	providerTimeout, err := time.ParseDuration(v.GetString("PROVIDER_TIMEOUT"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}
	stateTTL, err := time.ParseDuration(v.GetString("OAUTH_STATE_TTL"))
	if err != nil {
		return nil, fmt.Errorf("invalid OAUTH_STATE_TTL: %w", err)
	}

	minConfidence, err := parseUnitInterval(v.GetString("MATCH_MIN_CONFIDENCE"))
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_MIN_CONFIDENCE: %w", err)
	}
	autoApplyThreshold, err := parseUnitInterval(v.GetString("MATCH_AUTO_APPLY_THRESHOLD"))
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_AUTO_APPLY_THRESHOLD: %w", err)
	}
	autoApplyWindow, err := time.ParseDuration(v.GetString("MATCH_AUTO_APPLY_WINDOW"))
	if err != nil {
		return nil, fmt.Errorf("invalid MATCH_AUTO_APPLY_WINDOW: %w", err)
	}

	schedulerWorkers, err := strconv.Atoi(v.GetString("SCHEDULER_WORKERS"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_WORKERS: %w", err)
	}
	schedulerJobDelay, err := time.ParseDuration(v.GetString("SCHEDULER_JOB_DELAY"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_JOB_DELAY: %w", err)
	}
	schedulerQueueSize, err := strconv.Atoi(v.GetString("SCHEDULER_QUEUE_SIZE"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCHEDULER_QUEUE_SIZE: %w", err)
	}

	gateways, err := parsePairs(v.GetString("WHMCS_GATEWAYS"))
	if err != nil {
		return nil, fmt.Errorf("invalid WHMCS_GATEWAYS: %w", err)
	}

	cfg := &Config{
		Environment: strings.ToLower(v.GetString("APP_ENV")),
		Server: ServerConfig{
			Port:               v.GetString("PORT"),
			Host:               v.GetString("HOST"),
			AllowedHosts:       splitList(v.GetString("ALLOWED_HOSTS")),
			PublicURL:          strings.TrimRight(v.GetString("PUBLIC_URL"), "/"),
			ConnectCompleteURL: v.GetString("CONNECT_COMPLETE_URL"),
			ProviderTimeout:    providerTimeout,
		},
		Database: DatabaseConfig{
			Host:        v.GetString("DB_HOST"),
			Port:        dbPort,
			User:        v.GetString("DB_USER"),
			Password:    v.GetString("DB_PASSWORD"),
			DBName:      v.GetString("DB_NAME"),
			SSLMode:     v.GetString("DB_SSLMODE"),
			AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),

			MaxOpenConns:    dbMaxOpen,
			MaxIdleConns:    dbMaxIdle,
			ConnMaxLifetime: dbConnLifetime,
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Encryption: EncryptionConfig{
			Key:          v.GetString("ENCRYPTION_KEY"),
			PreviousKeys: splitList(v.GetString("ENCRYPTION_PREVIOUS_KEYS")),
		},
		Providers: ProvidersConfig{
			CatalogFile: v.GetString("PROVIDER_CATALOG_FILE"),
			GoCardless: OAuthClientConfig{
				ClientID:     v.GetString("GOCARDLESS_CLIENT_ID"),
				ClientSecret: v.GetString("GOCARDLESS_CLIENT_SECRET"),
			},
			Stripe: OAuthClientConfig{
				ClientID:     v.GetString("STRIPE_CLIENT_ID"),
				ClientSecret: v.GetString("STRIPE_CLIENT_SECRET"),
			},
			StateTTL: stateTTL,
		},
		Webhooks: WebhookConfig{
			GoCardlessCAPath:     v.GetString("WEBHOOK_GOCARDLESS_CA_PATH"),
			AllowUnverifiedCerts: v.GetBool("WEBHOOK_ALLOW_UNVERIFIED_CERTS"),
			StripeSecret:         v.GetString("STRIPE_WEBHOOK_SECRET"),
			ClientCertHeader:     v.GetString("WEBHOOK_CLIENT_CERT_HEADER"),
		},
		WHMCS: WHMCSConfig{
			Gateways: gateways,
		},
		Matching: MatchingConfig{
			MinConfidence:      minConfidence,
			AutoApplyThreshold: autoApplyThreshold,
			AutoApplyWindow:    autoApplyWindow,
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("SCHEDULER_ENABLED"),
			ScheduleTimes: splitList(v.GetString("SCHEDULER_TIMES")),
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  v.GetBool("SCHEDULER_RUN_ON_STARTUP"),
		},
		TLS: TLSConfig{
			Enabled:      v.GetBool("TLS_ENABLED"),
			CertPath:     v.GetString("TLS_CERT_PATH"),
			KeyPath:      v.GetString("TLS_KEY_PATH"),
			RedirectHTTP: v.GetBool("TLS_REDIRECT_HTTP"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: v.GetString("FIREBASE_CREDENTIALS_FILE"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("OTEL_ENABLED"),
			ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_ENDPOINT"),
			MetricsPort:  v.GetString("METRICS_PORT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}
	for _, k := range c.Encryption.PreviousKeys {
		if len(k) != 32 {
			return fmt.Errorf("ENCRYPTION_PREVIOUS_KEYS entries must be exactly 32 bytes")
		}
	}

	if c.IsProduction() && c.Webhooks.AllowUnverifiedCerts {
		return fmt.Errorf("WEBHOOK_ALLOW_UNVERIFIED_CERTS cannot be enabled when APP_ENV=%s", EnvProduction)
	}

	if c.Matching.AutoApplyThreshold < c.Matching.MinConfidence {
		return fmt.Errorf("MATCH_AUTO_APPLY_THRESHOLD must not be lower than MATCH_MIN_CONFIDENCE")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func parseUnitInterval(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if f < 0 || f > 1 {
		return 0, fmt.Errorf("%v is outside [0,1]", f)
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsePairs parses "a=b,c=d".
func parsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range splitList(s) {
		key, value, ok := strings.Cut(item, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("expected name=value, got %q", item)
		}
		out[key] = value
	}
	return out, nil
}
