package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Authority AuthorityConfig
	Invoicing InvoicingConfig
	TSA       TSAConfig
	Log       LogConfig
}

// AuthorityConfig describes how to reach the tax authority.
type AuthorityConfig struct {
	// Kind selects the authority variant: "zatca" or "none"
	Kind string
	// BaseURL is the authority API root; endpoint paths are appended
	BaseURL string
	// Environment: "sandbox", "simulation" or "production"
	Environment string
	// Timeout bounds a single HTTP attempt
	Timeout time.Duration
	// MaxRetries bounds retries on transport failures only
	MaxRetries int
	// InitialBackoff is the first retry delay; later delays grow exponentially
	InitialBackoff time.Duration
	// MaxBackoff caps a single retry delay
	MaxBackoff time.Duration
	// RequestsPerSecond throttles outbound calls
	RequestsPerSecond float64
	// AcceptVersion is sent in the Accept-Version header
	AcceptVersion string
	// AcceptLanguage is sent in the Accept-Language header
	AcceptLanguage string
}

// InvoicingConfig holds defaults used when building CSRs and invoices.
type InvoicingConfig struct {
	// CertificateTemplate is the payload of the certificate template extension
	CertificateTemplate string
	// SolutionName and SolutionVersion populate the CSR serial number
	SolutionName    string
	SolutionVersion string
	// DefaultCurrency applies when a draft carries none
	DefaultCurrency string
}

// TSAConfig holds configuration for the archival Time Stamping Authority.
type TSAConfig struct {
	// Enabled timestamps the document of every issued invoice
	Enabled bool
	// OrgName for self-signed TSA certificate (development)
	OrgName string
}

// LogConfig controls the structured logger.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: json or text
	Format string
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled publishes invoice lifecycle events
	Enabled bool
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
}

// RedisConfig enables the distributed chain lock when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	LockTTL      time.Duration
	LockWaitStep time.Duration
}

type ServerConfig struct {
	Port           int
	Env            string
	RateLimitRPS   int
	RateBurst      int
	AllowedOrigins []string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			RateLimitRPS:   getEnvInt("SERVER_RATE_LIMIT_RPS", 50),
			RateBurst:      getEnvInt("SERVER_RATE_BURST", 100),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "einvoicing"),
			Password: getEnv("DB_PASSWORD", "einvoicing"),
			Database: getEnv("DB_NAME", "einvoicing"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			LockTTL:      getEnvDuration("REDIS_LOCK_TTL", 2*time.Minute),
			LockWaitStep: getEnvDuration("REDIS_LOCK_WAIT_STEP", 50*time.Millisecond),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Authority: AuthorityConfig{
			Kind:              getEnv("AUTHORITY_KIND", "zatca"),
			BaseURL:           getEnv("AUTHORITY_BASE_URL", "https://gw-fatoora.zatca.gov.sa/e-invoicing/developer-portal"),
			Environment:       getEnv("AUTHORITY_ENVIRONMENT", "sandbox"),
			Timeout:           getEnvDuration("AUTHORITY_TIMEOUT", 30*time.Second),
			MaxRetries:        getEnvInt("AUTHORITY_MAX_RETRIES", 3),
			InitialBackoff:    getEnvDuration("AUTHORITY_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:        getEnvDuration("AUTHORITY_MAX_BACKOFF", 8*time.Second),
			RequestsPerSecond: getEnvFloat("AUTHORITY_RPS", 5),
			AcceptVersion:     getEnv("AUTHORITY_ACCEPT_VERSION", "V2"),
			AcceptLanguage:    getEnv("AUTHORITY_ACCEPT_LANGUAGE", "en"),
		},
		Invoicing: InvoicingConfig{
			CertificateTemplate: getEnv("INVOICING_CERT_TEMPLATE", "TSTZATCA-Code-Signing"),
			SolutionName:        getEnv("INVOICING_SOLUTION_NAME", "Ledgerline"),
			SolutionVersion:     getEnv("INVOICING_SOLUTION_VERSION", "1.0"),
			DefaultCurrency:     getEnv("INVOICING_DEFAULT_CURRENCY", "SAR"),
		},
		TSA: TSAConfig{
			Enabled: getEnvBool("TSA_ENABLED", false),
			OrgName: getEnv("TSA_ORG_NAME", "Ledgerline E-Invoicing"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot start with.
func (c *Config) Validate() error {
	switch c.Authority.Kind {
	case "zatca", "none":
	default:
		return fmt.Errorf("unknown AUTHORITY_KIND %q", c.Authority.Kind)
	}
	if c.Authority.Kind == "zatca" && c.Authority.BaseURL == "" {
		return fmt.Errorf("AUTHORITY_BASE_URL is required for the zatca authority")
	}
	if c.Authority.MaxRetries < 0 {
		return fmt.Errorf("AUTHORITY_MAX_RETRIES must not be negative")
	}
	// Chain leases are renewed every third of their TTL.
	if c.Redis.URL != "" && c.Redis.LockTTL < 3*time.Second {
		return fmt.Errorf("REDIS_LOCK_TTL must be at least 3s")
	}
	if c.Server.Env == "production" && c.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	return nil
}

// TemplateForEnvironment returns the certificate template name the authority
// expects for its environment, unless one was configured explicitly.
func (c *Config) TemplateForEnvironment() string {
	if os.Getenv("INVOICING_CERT_TEMPLATE") != "" {
		return c.Invoicing.CertificateTemplate
	}
	switch c.Authority.Environment {
	case "production":
		return "ZATCA-Code-Signing"
	case "simulation":
		return "PREZATCA-Code-Signing"
	default:
		return "TSTZATCA-Code-Signing"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
