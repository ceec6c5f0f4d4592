package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns the gateway's Ed25519 signing keypair. It is constructed
// explicitly and injected; there is no process-wide instance. A stable
// key across restarts is required for audit chain signature continuity,
// so production-like environments refuse to start without one.
type Manager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

var ErrNoKeyMaterial = errors.New("no signing key material available")

type Options struct {
	// PrivateKeyB64 is an injected base64 (std) Ed25519 private key seed
	// or full key; takes precedence over KeyPath.
	PrivateKeyB64 string
	// KeyPath is where the key is persisted in development mode.
	KeyPath string
	// Environment decides whether generate-on-first-use is permitted.
	Environment string
}

// New loads or creates the gateway keypair. In production-like
// environments a missing key is a startup failure, never a silent
// regeneration.
func New(opts Options) (*Manager, error) {
	if raw := strings.TrimSpace(opts.PrivateKeyB64); raw != "" {
		priv, err := decodePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("decode injected signing key: %w", err)
		}
		return fromPrivate(priv), nil
	}
	path := strings.TrimSpace(opts.KeyPath)
	if path != "" {
		if data, err := os.ReadFile(filepath.Clean(path)); err == nil {
			priv, err := decodePrivateKey(strings.TrimSpace(string(data)))
			if err != nil {
				return nil, fmt.Errorf("decode signing key file %s: %w", path, err)
			}
			return fromPrivate(priv), nil
		}
	}
	if isProductionLikeEnv(opts.Environment) {
		return nil, fmt.Errorf("%w: set GATEWAY_SIGNING_KEY or provision %s", ErrNoKeyMaterial, path)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := persistKey(path, priv); err != nil {
			return nil, fmt.Errorf("persist dev signing key: %w", err)
		}
	}
	return fromPrivate(priv), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Manager {
	return &Manager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func decodePrivateKey(raw string) (ed25519.PrivateKey, error) {
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	switch len(data) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(data), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(data), nil
	default:
		return nil, fmt.Errorf("unexpected key length %d", len(data))
	}
}

func persistKey(path string, priv ed25519.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(priv)
	return os.WriteFile(path, []byte(encoded+"\n"), 0o600)
}

// Sign returns the Ed25519 signature over payload.
func (m *Manager) Sign(payload []byte) []byte {
	return ed25519.Sign(m.priv, payload)
}

// Verify reports whether sig is a valid signature over payload by this
// gateway's key.
func (m *Manager) Verify(payload, sig []byte) bool {
	return ed25519.Verify(m.pub, payload, sig)
}

// Private exposes the private key for token signing (EdDSA JWTs).
func (m *Manager) Private() ed25519.PrivateKey {
	return m.priv
}

// Public returns the raw public key.
func (m *Manager) Public() ed25519.PublicKey {
	return m.pub
}

// PublicKeyBase64 is the published representation of the gateway key:
// base64 std encoding of the raw 32-byte Ed25519 public key.
func (m *Manager) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(m.pub)
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
