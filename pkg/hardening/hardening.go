// Package hardening refuses to start a production gateway with unsafe
// settings. A decision service whose stores talk plaintext or whose
// CORS surface is wide open undercuts the guarantees of its own audit
// chain, so these are startup errors rather than warnings.
package hardening

import (
	"fmt"
	"strings"
)

// Secret is a credential the gateway cannot run without in production.
type Secret struct {
	Name  string
	Value string
}

// Checklist carries the raw environment values the production gate
// inspects. Values stay strings so the caller reports exactly what was
// configured.
type Checklist struct {
	Environment     string
	Strict          string
	DatabaseTLS     string
	RedisAddr       string
	RedisTLS        string
	RedisInsecure   string
	RedisAllowPlain string
	AllowedOrigins  string
	Secrets         []Secret
}

// Enforce returns the first violated requirement. Outside
// production-like environments, or with STRICT_PROD_SECURITY=false,
// every check is skipped.
func (c Checklist) Enforce() error {
	if !productionLike(c.Environment) {
		return nil
	}
	if !truthy(c.Strict, true) {
		return nil
	}
	if err := c.storeTransport(); err != nil {
		return err
	}
	if err := c.corsOrigins(); err != nil {
		return err
	}
	return c.requiredSecrets()
}

func (c Checklist) storeTransport() error {
	if !truthy(c.DatabaseTLS, false) {
		return fmt.Errorf("gateway: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return nil
	}
	if !truthy(c.RedisTLS, false) {
		return fmt.Errorf("gateway: strict production hardening requires REDIS_REQUIRE_TLS=true")
	}
	if truthy(c.RedisInsecure, false) || truthy(c.RedisAllowPlain, false) {
		return fmt.Errorf("gateway: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
	}
	return nil
}

func (c Checklist) corsOrigins() error {
	seen := 0
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		seen++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return fmt.Errorf("gateway: strict production hardening forbids CORS wildcard origin")
		case strings.HasPrefix(lower, "http://localhost"),
			strings.HasPrefix(lower, "https://localhost"),
			strings.HasPrefix(lower, "http://127.0.0.1"),
			strings.HasPrefix(lower, "https://127.0.0.1"):
			return fmt.Errorf("gateway: strict production hardening forbids localhost CORS origin %q", o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("gateway: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if seen == 0 {
		return fmt.Errorf("gateway: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func (c Checklist) requiredSecrets() error {
	for _, secret := range c.Secrets {
		if strings.TrimSpace(secret.Name) == "" {
			continue
		}
		if strings.TrimSpace(secret.Value) == "" {
			return fmt.Errorf("gateway: strict production hardening requires %s", secret.Name)
		}
	}
	return nil
}

func truthy(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
