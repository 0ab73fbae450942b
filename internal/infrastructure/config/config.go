package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig encapsulates all runtime configuration knobs. It is built once by
// Load and handed to each constructor; nothing reads the environment later.
type AppConfig struct {
	App       AppSettings
	HTTP      HTTPSettings
	Auth      AuthSettings
	Log       LogSettings
	Database  DatabaseSettings
	Redis     RedisSettings
	Audit     AuditSettings
	Sefaz     SefazSettings
	Signing   SigningSettings
	Secrets   SecretsSettings
	Lifecycle LifecycleSettings
	ERP       ERPSettings
	Metrics   MetricsSettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

type HTTPSettings struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ImportTimeout   time.Duration // ERP import requests walk a whole window of movements
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type AuthSettings struct {
	Enabled     bool
	IssuerURI   string
	JWKSetURI   string
	ClockSkew   time.Duration
	BypassPaths []string
}

type LogSettings struct {
	Level string
}

type DatabaseSettings struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisSettings struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type AuditSettings struct {
	Enabled         bool
	LogRequestBody  bool
	LogResponseBody bool
	MaxBodySize     int
}

// SefazSettings drives every call to the tax authority. Retry behaviour is
// taken only from here.
type SefazSettings struct {
	Environment   string // homologacao or producao
	StateCode     string
	TimeZone      string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffStep   time.Duration
	PollAttempts  int
	PollInterval  time.Duration
	RateLimitRPS  int
	MaxConcurrent int
	SignBatch     bool
	StatusTTL     time.Duration

	BreakerMaxFailures      int
	BreakerFailureThreshold float64
	BreakerCooldown         time.Duration

	Endpoints SefazEndpoints
}

// SefazEndpoints holds the web service URLs for the selected environment.
type SefazEndpoints struct {
	Status        string
	Authorization string
	ReturnAuth    string
	Query         string
	Event         string
}

type SigningSettings struct {
	WatchCertificates bool
	CacheTTL          time.Duration
	ExpiryWarning     time.Duration
}

type SecretsSettings struct {
	EnvPrefix string
	Dir       string
}

type LifecycleSettings struct {
	Store         string // postgres or memory
	Queue         string // memory or redis
	QueueBuffer   int
	Workers       int
	MaxAttempts   int
	SweepInterval time.Duration
	SweepBatch    int
	ListenNotify  bool
	StaleAfter    time.Duration
}

type ERPSettings struct {
	Enabled         bool
	BaseURL         string
	APIKeySecret    string
	APISecretSecret string
	CompanyID       string
	BranchID        string
	Timeout         time.Duration
	ImportInterval  time.Duration
	ImportWindow    time.Duration
}

type MetricsSettings struct {
	Enabled bool
	Path    string
}

const (
	EnvironmentProduction   = "producao"
	EnvironmentHomologation = "homologacao"
)

var sefazMTEndpoints = map[string]SefazEndpoints{
	EnvironmentProduction: {
		Status:        "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeStatusServico4",
		Authorization: "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeAutorizacao4",
		ReturnAuth:    "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeRetAutorizacao4",
		Query:         "https://nfe.sefaz.mt.gov.br/nfews/v2/services/NfeConsulta4",
		Event:         "https://nfe.sefaz.mt.gov.br/nfews/v2/services/RecepcaoEvento4",
	},
	EnvironmentHomologation: {
		Status:        "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeStatusServico4",
		Authorization: "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeAutorizacao4",
		ReturnAuth:    "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeRetAutorizacao4",
		Query:         "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/NfeConsulta4",
		Event:         "https://homologacao.sefaz.mt.gov.br/nfews/v2/services/RecepcaoEvento4",
	},
}

// Load resolves the application configuration from environment variables.
// Values from a .env file are loaded first when present; variables already
// set in the process environment win.
func Load() (AppConfig, error) {
	_ = godotenv.Load()

	cfg := AppConfig{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "gonfpe"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		HTTP: HTTPSettings{
			Port:            getEnvAsInt("APP_PORT", 8080),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 90*time.Second),
			ImportTimeout:   getEnvAsDuration("HTTP_IMPORT_TIMEOUT", 10*time.Minute),
			IdleTimeout:     getEnvAsDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Auth: AuthSettings{
			Enabled:     getEnvAsBool("AUTH_ENABLED", true),
			IssuerURI:   strings.TrimSpace(os.Getenv("JWT_ISSUER_URI")),
			JWKSetURI:   strings.TrimSpace(os.Getenv("JWT_JWK_SET_URI")),
			ClockSkew:   getEnvAsDuration("AUTH_CLOCK_SKEW", 2*time.Minute),
			BypassPaths: getEnvAsCSV("AUTH_BYPASS_PATHS", []string{"/health", "/metrics"}),
		},
		Log: LogSettings{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseSettings{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			Database:        getEnv("DB_NAME", "nfpe"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", ""),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisSettings{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "nfpe"),
		},
		Audit: AuditSettings{
			Enabled:         getEnvAsBool("AUDIT_ENABLED", true),
			LogRequestBody:  getEnvAsBool("AUDIT_LOG_REQUEST_BODY", true),
			LogResponseBody: getEnvAsBool("AUDIT_LOG_RESPONSE_BODY", true),
			MaxBodySize:     getEnvAsInt("AUDIT_MAX_BODY_SIZE", 102400),
		},
		Sefaz: SefazSettings{
			Environment:             strings.ToLower(getEnv("SEFAZ_ENVIRONMENT", EnvironmentHomologation)),
			StateCode:               getEnv("SEFAZ_UF_CODE", "51"),
			TimeZone:                getEnv("SEFAZ_TIMEZONE", "America/Cuiaba"),
			Timeout:                 getEnvAsDuration("SEFAZ_TIMEOUT", 60*time.Second),
			MaxAttempts:             getEnvAsInt("SEFAZ_MAX_ATTEMPTS", 3),
			BackoffStep:             getEnvAsDuration("SEFAZ_BACKOFF_STEP", 2*time.Second),
			PollAttempts:            getEnvAsInt("SEFAZ_POLL_ATTEMPTS", 5),
			PollInterval:            getEnvAsDuration("SEFAZ_POLL_INTERVAL", 3*time.Second),
			RateLimitRPS:            getEnvAsInt("SEFAZ_RATE_LIMIT_RPS", 10),
			MaxConcurrent:           getEnvAsInt("SEFAZ_MAX_CONCURRENT", 5),
			SignBatch:               getEnvAsBool("SEFAZ_SIGN_BATCH", false),
			StatusTTL:               getEnvAsDuration("SEFAZ_STATUS_TTL", time.Minute),
			BreakerMaxFailures:      getEnvAsInt("SEFAZ_BREAKER_MAX_FAILURES", 10),
			BreakerFailureThreshold: getEnvAsFloat("SEFAZ_BREAKER_FAILURE_THRESHOLD", 0.5),
			BreakerCooldown:         getEnvAsDuration("SEFAZ_BREAKER_COOLDOWN", 30*time.Second),
		},
		Signing: SigningSettings{
			WatchCertificates: getEnvAsBool("CERT_WATCH", true),
			CacheTTL:          getEnvAsDuration("CERT_CACHE_TTL", time.Hour),
			ExpiryWarning:     getEnvAsDuration("CERT_EXPIRY_WARNING", 30*24*time.Hour),
		},
		Secrets: SecretsSettings{
			EnvPrefix: getEnv("SECRETS_ENV_PREFIX", "NFPE_SECRET_"),
			Dir:       strings.TrimSpace(os.Getenv("SECRETS_DIR")),
		},
		Lifecycle: LifecycleSettings{
			Store:         strings.ToLower(getEnv("NFPE_STORE", "postgres")),
			Queue:         strings.ToLower(getEnv("LIFECYCLE_QUEUE", "memory")),
			QueueBuffer:   getEnvAsInt("LIFECYCLE_QUEUE_BUFFER", 256),
			Workers:       getEnvAsInt("LIFECYCLE_WORKERS", 4),
			MaxAttempts:   getEnvAsInt("LIFECYCLE_MAX_ATTEMPTS", 5),
			SweepInterval: getEnvAsDuration("LIFECYCLE_SWEEP_INTERVAL", time.Minute),
			SweepBatch:    getEnvAsInt("LIFECYCLE_SWEEP_BATCH", 100),
			ListenNotify:  getEnvAsBool("LIFECYCLE_LISTEN_NOTIFY", true),
			StaleAfter:    getEnvAsDuration("LIFECYCLE_STALE_AFTER", 30*time.Minute),
		},
		ERP: ERPSettings{
			Enabled:         getEnvAsBool("ERP_ENABLED", false),
			BaseURL:         strings.TrimRight(strings.TrimSpace(os.Getenv("TOTVS_API_URL")), "/"),
			APIKeySecret:    getEnv("TOTVS_API_KEY_SECRET", "totvs-api-key"),
			APISecretSecret: getEnv("TOTVS_API_SECRET_SECRET", "totvs-api-secret"),
			CompanyID:       strings.TrimSpace(os.Getenv("TOTVS_COMPANY_ID")),
			BranchID:        strings.TrimSpace(os.Getenv("TOTVS_BRANCH_ID")),
			Timeout:         getEnvAsDuration("TOTVS_TIMEOUT", 30*time.Second),
			ImportInterval:  getEnvAsDuration("ERP_IMPORT_INTERVAL", 15*time.Minute),
			ImportWindow:    getEnvAsDuration("ERP_IMPORT_WINDOW", 7*24*time.Hour),
		},
		Metrics: MetricsSettings{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	endpoints, ok := sefazMTEndpoints[cfg.Sefaz.Environment]
	if !ok {
		return cfg, fmt.Errorf("invalid config: SEFAZ_ENVIRONMENT must be %q or %q", EnvironmentHomologation, EnvironmentProduction)
	}
	cfg.Sefaz.Endpoints = SefazEndpoints{
		Status:        getEnv("SEFAZ_URL_STATUS", endpoints.Status),
		Authorization: getEnv("SEFAZ_URL_AUTORIZACAO", endpoints.Authorization),
		ReturnAuth:    getEnv("SEFAZ_URL_RET_AUTORIZACAO", endpoints.ReturnAuth),
		Query:         getEnv("SEFAZ_URL_CONSULTA", endpoints.Query),
		Event:         getEnv("SEFAZ_URL_EVENTO", endpoints.Event),
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.Sefaz.MaxAttempts < 1 {
		return errors.New("invalid config: SEFAZ_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sefaz.PollAttempts < 1 {
		return errors.New("invalid config: SEFAZ_POLL_ATTEMPTS must be at least 1")
	}
	if c.Sefaz.Timeout <= 0 {
		return errors.New("invalid config: SEFAZ_TIMEOUT must be greater than 0")
	}
	if c.Sefaz.MaxConcurrent <= 0 || c.Sefaz.RateLimitRPS <= 0 {
		return errors.New("invalid config: SEFAZ_MAX_CONCURRENT and SEFAZ_RATE_LIMIT_RPS must be greater than 0")
	}
	if c.Lifecycle.Workers <= 0 {
		return errors.New("invalid config: LIFECYCLE_WORKERS must be greater than 0")
	}
	if budget := c.Sefaz.AttemptBudget(); c.Lifecycle.StaleAfter > 0 && c.Lifecycle.StaleAfter <= budget {
		return fmt.Errorf("invalid config: LIFECYCLE_STALE_AFTER must exceed the longest processing attempt (%s)", budget)
	}
	switch c.Lifecycle.Store {
	case "postgres", "memory":
	default:
		return errors.New("invalid config: NFPE_STORE must be 'postgres' or 'memory'")
	}
	switch c.Lifecycle.Queue {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("invalid config: REDIS_ADDR is required when LIFECYCLE_QUEUE=redis")
		}
	default:
		return errors.New("invalid config: LIFECYCLE_QUEUE must be 'memory' or 'redis'")
	}
	if c.ERP.Enabled && c.ERP.BaseURL == "" {
		return errors.New("invalid config: TOTVS_API_URL is required when ERP_ENABLED=true")
	}
	if c.Auth.Enabled {
		if c.Auth.IssuerURI == "" {
			return errors.New("invalid config: JWT_ISSUER_URI is required when AUTH_ENABLED=true")
		}
		if c.Auth.JWKSetURI == "" {
			return errors.New("invalid config: JWT_JWK_SET_URI is required when AUTH_ENABLED=true")
		}
	}
	return nil
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

// AmbientCode returns the tpAmb flag: 1 for production, 2 for homologation.
func (s SefazSettings) AmbientCode() string {
	if s.Environment == EnvironmentProduction {
		return "1"
	}
	return "2"
}

// CallBudget is the longest one retried SEFAZ call can take: MaxAttempts
// timeouts plus the linear backoff between them.
func (s SefazSettings) CallBudget() time.Duration {
	d := time.Duration(s.MaxAttempts) * s.Timeout
	for i := 1; i < s.MaxAttempts; i++ {
		d += time.Duration(i) * s.BackoffStep
	}
	return d
}

// AttemptBudget is the longest a processing attempt can hold a document:
// the situation query, the batch submission and every receipt poll.
func (s SefazSettings) AttemptBudget() time.Duration {
	return 2*s.CallBudget() + time.Duration(s.PollAttempts)*(s.PollInterval+s.CallBudget())
}

// Location resolves the configured time zone, falling back to UTC-4 (Cuiabá).
func (s SefazSettings) Location() *time.Location {
	if loc, err := time.LoadLocation(s.TimeZone); err == nil {
		return loc
	}
	return time.FixedZone("-04", -4*60*60)
}

// DSN renders the settings as a libpq keyword/value connection string.
func (d DatabaseSettings) DSN() string {
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", d.Port),
		fmt.Sprintf("dbname=%s", d.Database),
		fmt.Sprintf("user=%s", d.User),
		fmt.Sprintf("sslmode=%s", d.SSLMode),
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	return strings.Join(parts, " ")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") and bare integers, which are
// read as seconds to stay compatible with SEFAZ_TIMEOUT=60 style settings.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
