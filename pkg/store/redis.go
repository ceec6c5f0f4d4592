package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSettings collects the REDIS_* environment surface in one place.
// The same client backs decision replay, budget counters and the org
// submission window.
type redisSettings struct {
	addr       string
	password   string
	db         int
	useTLS     bool
	requireTLS bool
	insecure   bool
	allowPlain bool
	serverName string
	caFile     string
	certFile   string
	keyFile    string
}

func redisSettingsFromEnv() redisSettings {
	s := redisSettings{
		addr:       os.Getenv("REDIS_ADDR"),
		password:   os.Getenv("REDIS_PASSWORD"),
		useTLS:     envBool("REDIS_TLS"),
		requireTLS: requiresSecureTransport("REDIS_REQUIRE_TLS"),
		insecure:   envBool("REDIS_TLS_INSECURE"),
		allowPlain: envBool("REDIS_ALLOW_INSECURE_TLS"),
		serverName: strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		caFile:     strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		certFile:   strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		keyFile:    strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
	if s.addr == "" {
		s.addr = "localhost:6379"
	}
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			s.db = parsed
		}
	}
	return s
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

func (s redisSettings) tlsConfig() (*tls.Config, error) {
	if !s.useTLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: s.serverName}
	if s.insecure {
		if !s.allowPlain {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
		}
		cfg.InsecureSkipVerify = true
	}
	if s.caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(s.caFile))
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if s.certFile != "" || s.keyFile != "" {
		if s.certFile == "" || s.keyFile == "" {
			return nil, fmt.Errorf("both REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(s.certFile), filepath.Clean(s.keyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// NewRedis connects the gateway's shared cache. The connection is
// verified with a ping so callers can fall back to in-process stores
// before serving traffic.
func NewRedis(ctx context.Context) (*redis.Client, error) {
	settings := redisSettingsFromEnv()
	tlsConfig, err := settings.tlsConfig()
	if err != nil {
		return nil, err
	}
	if settings.requireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      settings.addr,
		Password:  settings.password,
		DB:        settings.db,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, time.Second*2)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
