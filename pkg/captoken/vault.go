package captoken

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VaultIssuerRegistry resolves issuer Ed25519 public keys from Vault
// Transit, for deployments that keep issuer material out of the
// gateway database. A deleted transit key reads as an unknown issuer.
type VaultIssuerRegistry struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (r VaultIssuerRegistry) GetIssuer(ctx context.Context, issuerID string) (*IssuerRecord, error) {
	issuerID = strings.TrimSpace(issuerID)
	if issuerID == "" {
		return nil, errors.New("issuer id required")
	}
	addr := strings.TrimRight(strings.TrimSpace(r.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(r.Token) == "" {
		return nil, errors.New("vault token required")
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	transit := r.Transit
	if transit == "" {
		transit = "transit"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	retries := r.MaxRetries
	if retries < 0 {
		retries = 0
	}

	keyName := r.KeyPrefix + issuerID
	endpoint := addr + "/v1/" + strings.Trim(transit, "/") + "/keys/" + url.PathEscape(keyName)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("X-Vault-Token", r.Token)
		if strings.TrimSpace(r.Namespace) != "" {
			req.Header.Set("X-Vault-Namespace", r.Namespace)
		}
		resp, err := client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if attempt < retries && r.RetryDelay > 0 {
				time.Sleep(r.RetryDelay)
				continue
			}
			break
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries && r.RetryDelay > 0 {
				time.Sleep(r.RetryDelay)
				continue
			}
			break
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrIssuerNotFound
		}
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("vault transit issuer lookup failed status=%d", resp.StatusCode)
			if attempt < retries && r.RetryDelay > 0 {
				time.Sleep(r.RetryDelay)
				continue
			}
			break
		}
		pub, err := parseVaultTransitPublicKey(body)
		if err != nil {
			return nil, err
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("vault key %q is not an ed25519 public key", keyName)
		}
		return &IssuerRecord{
			IssuerID:  issuerID,
			PublicKey: ed25519.PublicKey(pub),
			Status:    "active",
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("vault transit issuer lookup failed")
	}
	return nil, lastErr
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if parts := strings.SplitN(pub, ":", 2); len(parts) == 2 {
		pub = strings.TrimSpace(parts[1])
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
