package config

import (
	"strings"
	"testing"
	"time"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", strongSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.OTPLifetime() != 5*time.Minute {
		t.Errorf("unexpected OTP lifetime %s", cfg.OTPLifetime())
	}
	if cfg.OTPMaxAttempts != 5 || cfg.OTPMaxResends != 3 {
		t.Errorf("unexpected OTP limits: attempts=%d resends=%d", cfg.OTPMaxAttempts, cfg.OTPMaxResends)
	}
	if !cfg.OTPResendExtendsExpiry || cfg.OTPResendResetsAttempts {
		t.Errorf("unexpected resend policy defaults")
	}
	if cfg.PatientTokenTTL() != 30*time.Minute || cfg.AdminTokenTTL() != 8*time.Hour {
		t.Errorf("unexpected token lifetimes: %s %s", cfg.PatientTokenTTL(), cfg.AdminTokenTTL())
	}
	if cfg.CleanupRunHour != 3 {
		t.Errorf("unexpected cleanup hour %d", cfg.CleanupRunHour)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", strongSecret)
	t.Setenv("OTP_MAX_ATTEMPTS", "3")
	t.Setenv("CLEANUP_RUN_HOUR", "22")
	t.Setenv("OTP_RESEND_RESETS_ATTEMPTS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OTPMaxAttempts != 3 || cfg.CleanupRunHour != 22 || !cfg.OTPResendResetsAttempts {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestValidateRejectsWeakSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "short")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected AUTH_SECRET error, got %v", err)
	}
}

func TestSecretMinLengthCannotBeLowered(t *testing.T) {
	c := &Config{AuthSecretMinLength: 8}
	if c.SecretMinLength() != MinSecretLength {
		t.Fatalf("expected floor %d, got %d", MinSecretLength, c.SecretMinLength())
	}
	c.AuthSecretMinLength = 64
	if c.SecretMinLength() != 64 {
		t.Fatalf("expected raised minimum")
	}
}

func TestValidateRequiresDatabaseOutsideDev(t *testing.T) {
	t.Setenv("AUTH_SECRET", strongSecret)
	t.Setenv("ENV", "production")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	c := &Config{TrustedProxies: " 10.0.0.0/8, 192.168.1.7 ,,::1"}
	got, err := c.TrustedProxyPrefixes()
	if err != nil {
		t.Fatalf("TrustedProxyPrefixes: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.7/32", "::1/128"}
	if len(got) != len(want) {
		t.Fatalf("expected %d prefixes, got %v", len(want), got)
	}
	for i, p := range got {
		if p.String() != want[i] {
			t.Errorf("prefix %d: expected %s, got %s", i, want[i], p)
		}
	}

	t.Setenv("AUTH_SECRET", strongSecret)
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/33")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "TRUSTED_PROXIES") {
		t.Fatalf("expected TRUSTED_PROXIES error, got %v", err)
	}
}
