package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Env        string
	ServerPort string

	// Database configuration
	DatabaseURL string
	DBMaxConns  int
	DBMinConns  int

	// KCB Buni API credentials
	KCBAPIKey    string
	KCBAPISecret string
	KCBTillNo    string
	KCBSandbox   bool

	// Public base URL this service is reachable on; the STK callback
	// endpoint is derived from it.
	PublicBaseURL string

	// Notification authenticity
	KCBPublicKeyPEM   string
	DisableIPNSigning bool

	// Token cache
	TokenSafetyMargin time.Duration

	// Credentials-at-rest encryption key, exactly 32 bytes
	EncryptionKey string

	// Accounting platform
	ERPBaseURL       string
	ERPAPIToken      string
	ERPCompany       string
	ERPModeOfPayment string

	// Security settings
	InternalSecret string
	KCBAllowedIPs  []string

	// Request limits
	MaxRequestSize int64
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		Env:        getEnv("KCB_ENV", "dev"),
		ServerPort: getEnv("KCB_SERVER_PORT", "8080"),

		// Database
		DatabaseURL: getEnv("KCB_DATABASE_URL", ""),
		DBMaxConns:  getEnvInt("KCB_DB_MAX_CONNS", 25),
		DBMinConns:  getEnvInt("KCB_DB_MIN_CONNS", 5),

		// KCB Buni
		KCBAPIKey:     getEnv("KCB_API_KEY", ""),
		KCBAPISecret:  getEnv("KCB_API_SECRET", ""),
		KCBTillNo:     getEnv("KCB_TILL_NUMBER", ""),
		KCBSandbox:    getEnvBool("KCB_SANDBOX", true),
		PublicBaseURL: getEnv("KCB_PUBLIC_BASE_URL", ""),

		// Notification authenticity
		KCBPublicKeyPEM:   getEnv("KCB_PUBLIC_KEY_PEM", ""),
		DisableIPNSigning: getEnvBool("KCB_DISABLE_IPN_SIGNING", false),

		// Token cache
		TokenSafetyMargin: getEnvDuration("KCB_TOKEN_SAFETY_MARGIN", time.Minute),

		// Credentials at rest
		EncryptionKey: getEnv("KCB_ENCRYPTION_KEY", ""),

		// Accounting platform
		ERPBaseURL:       getEnv("KCB_ERP_BASE_URL", ""),
		ERPAPIToken:      getEnv("KCB_ERP_API_TOKEN", ""),
		ERPCompany:       getEnv("KCB_ERP_COMPANY", ""),
		ERPModeOfPayment: getEnv("KCB_ERP_MODE_OF_PAYMENT", "Mpesa C2B"),

		// Security
		InternalSecret: getEnv("KCB_INTERNAL_SECRET", ""),
		MaxRequestSize: getEnvInt64("KCB_MAX_REQUEST_SIZE", 1<<20), // 1MB
	}

	// Parse IP allowlist
	ipList := getEnv("KCB_ALLOWED_IPS", "")
	if ipList != "" {
		cfg.KCBAllowedIPs = strings.Split(ipList, ",")
		for i := range cfg.KCBAllowedIPs {
			cfg.KCBAllowedIPs[i] = strings.TrimSpace(cfg.KCBAllowedIPs[i])
		}
	}

	// Validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("KCB_DATABASE_URL is required")
	}
	if c.InternalSecret == "" {
		return fmt.Errorf("KCB_INTERNAL_SECRET is required")
	}
	if c.KCBAPIKey == "" {
		return fmt.Errorf("KCB_API_KEY is required")
	}
	if c.KCBAPISecret == "" {
		return fmt.Errorf("KCB_API_SECRET is required")
	}
	if c.KCBTillNo == "" {
		return fmt.Errorf("KCB_TILL_NUMBER is required")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("KCB_PUBLIC_BASE_URL is required (public URL for callbacks)")
	}
	if c.KCBPublicKeyPEM == "" && !c.DisableIPNSigning {
		return fmt.Errorf("KCB_PUBLIC_KEY_PEM is required unless KCB_DISABLE_IPN_SIGNING is set")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("KCB_ENCRYPTION_KEY must be exactly 32 bytes")
	}
	if c.ERPBaseURL == "" {
		return fmt.Errorf("KCB_ERP_BASE_URL is required")
	}
	if c.ERPAPIToken == "" {
		return fmt.Errorf("KCB_ERP_API_TOKEN is required")
	}
	if c.ERPCompany == "" {
		return fmt.Errorf("KCB_ERP_COMPANY is required")
	}

	return nil
}

// CallbackURL is the public endpoint the gateway posts STK results to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.PublicBaseURL, "/") + "/api/v1/callbacks/stk"
}

// LogSafeConfig logs configuration without secrets
func (c *Config) LogSafeConfig() {
	fmt.Printf("Configuration loaded:\n")
	fmt.Printf("  Environment: %s\n", c.Env)
	fmt.Printf("  Server Port: %s\n", c.ServerPort)
	fmt.Printf("  Database URL: %s\n", maskConnectionString(c.DatabaseURL))
	fmt.Printf("  DB Pool: %d min, %d max\n", c.DBMinConns, c.DBMaxConns)
	fmt.Printf("  KCB Till Number: %s\n", c.KCBTillNo)
	fmt.Printf("  KCB Sandbox: %t\n", c.KCBSandbox)
	fmt.Printf("  Callback URL: %s\n", c.CallbackURL())
	fmt.Printf("  IPN Signature Verification: %t\n", !c.DisableIPNSigning)
	fmt.Printf("  Token Safety Margin: %s\n", c.TokenSafetyMargin)
	fmt.Printf("  ERP Base URL: %s\n", c.ERPBaseURL)
	fmt.Printf("  ERP Company: %s\n", c.ERPCompany)
	fmt.Printf("  KCB IP Allowlist: %v\n", c.KCBAllowedIPs)
	fmt.Printf("  Max Request Size: %d bytes\n", c.MaxRequestSize)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

func maskConnectionString(connStr string) string {
	if strings.Contains(connStr, "@") {
		parts := strings.Split(connStr, "@")
		if len(parts) == 2 {
			return "***@" + parts[1]
		}
	}
	return "***"
}
