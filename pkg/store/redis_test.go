package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"REDIS_TLS", "REDIS_REQUIRE_TLS", "REDIS_TLS_INSECURE",
		"REDIS_ALLOW_INSECURE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestRedisSettingsDefaults(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_DB", "not-a-number")

	s := redisSettingsFromEnv()
	if s.addr != "localhost:6379" {
		t.Fatalf("expected default addr, got %q", s.addr)
	}
	if s.db != 0 {
		t.Fatalf("expected db 0 for unparsable REDIS_DB, got %d", s.db)
	}
	cfg, err := s.tlsConfig()
	if err != nil {
		t.Fatalf("unexpected tls error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil TLS config when REDIS_TLS is unset")
	}
}

func TestRedisTLSServerNameAndInsecureGuard(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")

	cfg, err := redisSettingsFromEnv().tlsConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name redis.internal, got %+v", cfg)
	}

	t.Setenv("REDIS_TLS_INSECURE", "true")
	if _, err := redisSettingsFromEnv().tlsConfig(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}

	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	cfg, err = redisSettingsFromEnv().tlsConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected insecure skip verify to be set")
	}
}

func TestRedisTLSCAAndMutualAuth(t *testing.T) {
	clearRedisEnv(t)
	tmp := t.TempDir()
	certPEM, keyPEM := selfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
	t.Setenv("REDIS_TLS_CERT_FILE", certPath)
	t.Setenv("REDIS_TLS_KEY_FILE", keyPath)

	cfg, err := redisSettingsFromEnv().tlsConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected RootCAs to be populated")
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
}

func TestRedisTLSRejectsBadMaterial(t *testing.T) {
	clearRedisEnv(t)
	dir := t.TempDir()
	t.Setenv("REDIS_TLS", "true")

	t.Run("cert without key", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/client.pem")
		if _, err := redisSettingsFromEnv().tlsConfig(); err == nil {
			t.Fatal("expected incomplete mTLS error")
		}
		t.Setenv("REDIS_TLS_CERT_FILE", "")
	})

	t.Run("unparsable ca", func(t *testing.T) {
		ca := filepath.Join(dir, "bad-ca.pem")
		if err := os.WriteFile(ca, []byte("not-a-certificate"), 0o600); err != nil {
			t.Fatalf("write bad ca: %v", err)
		}
		t.Setenv("REDIS_TLS_CA_CERT_FILE", ca)
		if _, err := redisSettingsFromEnv().tlsConfig(); err == nil {
			t.Fatal("expected invalid ca pem error")
		}
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	})

	t.Run("missing ca file", func(t *testing.T) {
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "/tmp/non-existent-ca.pem")
		if _, err := redisSettingsFromEnv().tlsConfig(); err == nil {
			t.Fatal("expected missing CA file error")
		}
		t.Setenv("REDIS_TLS_CA_CERT_FILE", "")
	})

	t.Run("bad keypair", func(t *testing.T) {
		cert := filepath.Join(dir, "cert.pem")
		key := filepath.Join(dir, "key.pem")
		if err := os.WriteFile(cert, []byte("bad-cert"), 0o600); err != nil {
			t.Fatalf("write bad cert: %v", err)
		}
		if err := os.WriteFile(key, []byte("bad-key"), 0o600); err != nil {
			t.Fatalf("write bad key: %v", err)
		}
		t.Setenv("REDIS_TLS_CERT_FILE", cert)
		t.Setenv("REDIS_TLS_KEY_FILE", key)
		if _, err := redisSettingsFromEnv().tlsConfig(); err == nil {
			t.Fatal("expected invalid mTLS keypair error")
		}
	})
}

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", mr.Addr())

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client, got %v", err)
	}
	defer client.Close()
}

func TestNewRedisPingFailure(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")

	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			_ = client.Close()
		}
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisRejectsPlaintextWhenTLSRequired(t *testing.T) {
	clearRedisEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("REDIS_REQUIRE_TLS", "true")

	client, err := NewRedis(context.Background())
	if err == nil {
		if client != nil {
			client.Close()
		}
		t.Fatal("expected tls requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func selfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "redis-test",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
