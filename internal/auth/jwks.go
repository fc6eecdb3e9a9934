package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errKeyNotFound  = errors.New("signing key not found in JWKS")
	errNoUsableKeys = errors.New("jwks document contained no usable keys")
)

// jwksSource fetches and caches RSA signing keys from a JWKS endpoint.
type jwksSource struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	logger     *zap.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func newJWKSSource(url string, httpClient *http.Client, ttl time.Duration, logger *zap.Logger) *jwksSource {
	return &jwksSource{url: url, httpClient: httpClient, ttl: ttl, logger: logger}
}

// key returns the key for keyID, refreshing the cache once when it is stale or
// does not know the key.
func (s *jwksSource) key(ctx context.Context, keyID string, now time.Time) (*rsa.PublicKey, error) {
	if key := s.cached(keyID, now); key != nil {
		return key, nil
	}
	if err := s.refresh(ctx, now); err != nil {
		return nil, err
	}
	if key := s.cached(keyID, now); key != nil {
		return key, nil
	}
	return nil, errKeyNotFound
}

func (s *jwksSource) cached(keyID string, now time.Time) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || now.After(s.expiresAt) {
		return nil
	}
	return s.keys[keyID]
}

func (s *jwksSource) refresh(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, entry := range document.Keys {
		if entry.KeyType != "RSA" || (entry.Use != "" && entry.Use != "sig") {
			continue
		}
		publicKey, err := entry.publicKey()
		if err != nil {
			s.logger.Debug("skipping jwk", zap.String("kid", entry.KeyID), zap.Error(err))
			continue
		}
		keys[entry.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errNoUsableKeys
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = fetchedAt.Add(s.ttl)
	s.mu.Unlock()
	return nil
}

type jwksDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}
	exponent := new(big.Int).SetBytes(exponentBytes)
	if !exponent.IsInt64() || exponent.Int64() == 0 || exponent.Int64() > int64(^uint32(0)>>1) {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(exponent.Int64())}, nil
}
