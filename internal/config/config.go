package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSecretLength is the floor for AUTH_SECRET_MIN_LENGTH. Configuration may
// raise it, never lower it.
const MinSecretLength = 32

type Config struct {
	Port     string `mapstructure:"PORT"`
	GRPCPort string `mapstructure:"GRPC_PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int    `mapstructure:"DB_MAX_CONNS"`

	OTPLifetimeMinutes      int  `mapstructure:"OTP_LIFETIME_MINUTES"`
	OTPCodeLength           int  `mapstructure:"OTP_CODE_LENGTH"`
	OTPMaxAttempts          int  `mapstructure:"OTP_MAX_ATTEMPTS"`
	OTPMaxResends           int  `mapstructure:"OTP_MAX_RESENDS"`
	OTPResendExtendsExpiry  bool `mapstructure:"OTP_RESEND_EXTENDS_EXPIRY"`
	OTPResendResetsAttempts bool `mapstructure:"OTP_RESEND_RESETS_ATTEMPTS"`
	OTPRetentionHours       int  `mapstructure:"OTP_RETENTION_HOURS"`

	SessionRetentionDays      int `mapstructure:"SESSION_RETENTION_DAYS"`
	PatientTokenLifetimeMins  int `mapstructure:"PATIENT_TOKEN_LIFETIME_MINUTES"`
	AdminTokenLifetimeMins    int `mapstructure:"ADMIN_TOKEN_LIFETIME_MINUTES"`
	ResetTokenLifetimeMinutes int `mapstructure:"RESET_TOKEN_LIFETIME_MINUTES"`
	PermissionCacheTTLSeconds int `mapstructure:"PERMISSION_CACHE_TTL_SECONDS"`
	CleanupRunHour            int `mapstructure:"CLEANUP_RUN_HOUR"`
	CleanupRetryMinutes       int `mapstructure:"CLEANUP_RETRY_MINUTES"`

	AuthSecret          string `mapstructure:"AUTH_SECRET"`
	AuthSecretMinLength int    `mapstructure:"AUTH_SECRET_MIN_LENGTH"`
	AuthIssuer          string `mapstructure:"AUTH_ISSUER"`
	AuthAudience        string `mapstructure:"AUTH_AUDIENCE"`

	NotifyBaseURL        string `mapstructure:"NOTIFY_BASE_URL"`
	NotifyAPIKey         string `mapstructure:"NOTIFY_API_KEY"`
	NotifyTimeoutSeconds int    `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`
	ResetLinkBase        string `mapstructure:"RESET_LINK_BASE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// DevAdminPassword seeds an "admin" account into the in-memory store.
	DevAdminPassword string `mapstructure:"DEV_ADMIN_PASSWORD"`
}

var keys = []string{
	"PORT", "GRPC_PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS",
	"OTP_LIFETIME_MINUTES", "OTP_CODE_LENGTH", "OTP_MAX_ATTEMPTS", "OTP_MAX_RESENDS",
	"OTP_RESEND_EXTENDS_EXPIRY", "OTP_RESEND_RESETS_ATTEMPTS", "OTP_RETENTION_HOURS",
	"SESSION_RETENTION_DAYS", "PATIENT_TOKEN_LIFETIME_MINUTES", "ADMIN_TOKEN_LIFETIME_MINUTES",
	"RESET_TOKEN_LIFETIME_MINUTES", "PERMISSION_CACHE_TTL_SECONDS",
	"CLEANUP_RUN_HOUR", "CLEANUP_RETRY_MINUTES",
	"AUTH_SECRET", "AUTH_SECRET_MIN_LENGTH", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"NOTIFY_BASE_URL", "NOTIFY_API_KEY", "NOTIFY_TIMEOUT_SECONDS", "RESET_LINK_BASE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TRUSTED_PROXIES", "DEV_ADMIN_PASSWORD",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("GRPC_PORT", "9090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)

	v.SetDefault("OTP_LIFETIME_MINUTES", 5)
	v.SetDefault("OTP_CODE_LENGTH", 6)
	v.SetDefault("OTP_MAX_ATTEMPTS", 5)
	v.SetDefault("OTP_MAX_RESENDS", 3)
	v.SetDefault("OTP_RESEND_EXTENDS_EXPIRY", true)
	v.SetDefault("OTP_RESEND_RESETS_ATTEMPTS", false)
	v.SetDefault("OTP_RETENTION_HOURS", 24)

	v.SetDefault("SESSION_RETENTION_DAYS", 30)
	v.SetDefault("PATIENT_TOKEN_LIFETIME_MINUTES", 30)
	v.SetDefault("ADMIN_TOKEN_LIFETIME_MINUTES", 480)
	v.SetDefault("RESET_TOKEN_LIFETIME_MINUTES", 30)
	v.SetDefault("PERMISSION_CACHE_TTL_SECONDS", 300)
	v.SetDefault("CLEANUP_RUN_HOUR", 3)
	v.SetDefault("CLEANUP_RETRY_MINUTES", 60)

	v.SetDefault("AUTH_SECRET_MIN_LENGTH", MinSecretLength)
	v.SetDefault("AUTH_ISSUER", "portal-auth")
	v.SetDefault("AUTH_AUDIENCE", "patient-portal")

	v.SetDefault("NOTIFY_TIMEOUT_SECONDS", 5)
	v.SetDefault("RESET_LINK_BASE", "http://localhost:3000/reset-password?token=")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the configuration is safe to start with. Secret strength is
// enforced here so a weak secret aborts startup instead of failing per request.
func (c *Config) Validate() error {
	var problems []string
	if !c.IsDev() && strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required outside development")
	}
	minLen := c.SecretMinLength()
	if len(strings.TrimSpace(c.AuthSecret)) < minLen {
		problems = append(problems, fmt.Sprintf("AUTH_SECRET must be at least %d bytes", minLen))
	}
	positive := map[string]int{
		"OTP_LIFETIME_MINUTES":           c.OTPLifetimeMinutes,
		"OTP_MAX_ATTEMPTS":               c.OTPMaxAttempts,
		"OTP_RETENTION_HOURS":            c.OTPRetentionHours,
		"SESSION_RETENTION_DAYS":         c.SessionRetentionDays,
		"PATIENT_TOKEN_LIFETIME_MINUTES": c.PatientTokenLifetimeMins,
		"ADMIN_TOKEN_LIFETIME_MINUTES":   c.AdminTokenLifetimeMins,
		"RESET_TOKEN_LIFETIME_MINUTES":   c.ResetTokenLifetimeMinutes,
		"CLEANUP_RETRY_MINUTES":          c.CleanupRetryMinutes,
	}
	for _, k := range keys {
		if v, ok := positive[k]; ok && v <= 0 {
			problems = append(problems, k+" must be greater than zero")
		}
	}
	if c.OTPMaxResends < 0 {
		problems = append(problems, "OTP_MAX_RESENDS must not be negative")
	}
	if c.OTPCodeLength < 4 || c.OTPCodeLength > 10 {
		problems = append(problems, "OTP_CODE_LENGTH must be between 4 and 10")
	}
	if c.CleanupRunHour < 0 || c.CleanupRunHour > 23 {
		problems = append(problems, "CLEANUP_RUN_HOUR must be between 0 and 23")
	}
	if c.DevAdminPassword != "" && !c.IsDev() {
		problems = append(problems, "DEV_ADMIN_PASSWORD is only allowed in development")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SecretMinLength returns the effective minimum secret length.
func (c *Config) SecretMinLength() int {
	if c.AuthSecretMinLength < MinSecretLength {
		return MinSecretLength
	}
	return c.AuthSecretMinLength
}

func (c *Config) OTPLifetime() time.Duration {
	return time.Duration(c.OTPLifetimeMinutes) * time.Minute
}

func (c *Config) OTPRetention() time.Duration {
	return time.Duration(c.OTPRetentionHours) * time.Hour
}

func (c *Config) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionDays) * 24 * time.Hour
}

func (c *Config) PatientTokenTTL() time.Duration {
	return time.Duration(c.PatientTokenLifetimeMins) * time.Minute
}

func (c *Config) AdminTokenTTL() time.Duration {
	return time.Duration(c.AdminTokenLifetimeMins) * time.Minute
}

func (c *Config) ResetTokenTTL() time.Duration {
	return time.Duration(c.ResetTokenLifetimeMinutes) * time.Minute
}

func (c *Config) PermissionCacheTTL() time.Duration {
	return time.Duration(c.PermissionCacheTTLSeconds) * time.Second
}

func (c *Config) CleanupRetry() time.Duration {
	return time.Duration(c.CleanupRetryMinutes) * time.Minute
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES, a comma separated list of
// addresses or CIDR prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(c.TrustedProxies, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
