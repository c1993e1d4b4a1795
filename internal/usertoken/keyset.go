package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// keySet caches the RSA keys published at a JWKS URL. Concurrent refreshes
// collapse into one fetch, and refreshes triggered by unknown key ids are
// limited to one per missInterval.
type keySet struct {
	url          string
	client       *http.Client
	missInterval time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	keys     map[string]*rsa.PublicKey
	expires  time.Time
	lastMiss time.Time
}

func (k *keySet) lookup(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	return key, ok
}

func (k *keySet) stale() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return time.Now().After(k.expires)
}

// refreshOnMiss refetches after an unknown key id. It reports false when a
// miss-driven refresh already ran inside missInterval.
func (k *keySet) refreshOnMiss(ctx context.Context) (bool, error) {
	k.mu.Lock()
	if !k.lastMiss.IsZero() && time.Since(k.lastMiss) < k.missInterval {
		k.mu.Unlock()
		return false, nil
	}
	k.lastMiss = time.Now()
	k.mu.Unlock()
	return true, k.refresh(ctx)
}

func (k *keySet) refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		keys, ttl, err := fetchJWKS(ctx, k.client, k.url)
		if err != nil {
			return nil, err
		}
		k.mu.Lock()
		k.keys = keys
		k.expires = time.Now().Add(ttl)
		k.mu.Unlock()
		return nil, nil
	})
	return err
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func fetchJWKS(ctx context.Context, client *http.Client, url string) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jwks: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, 0, fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, entry := range doc.Keys {
		kid := strings.TrimSpace(entry.Kid)
		if kid == "" || !strings.EqualFold(entry.Kty, "RSA") || (entry.Use != "" && entry.Use != "sig") {
			continue
		}
		pub, err := entry.publicKey()
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("jwks has no usable rsa signing keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return keys, ttl, nil
}

func (j jwk) publicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(j.N))
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(j.E))
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	modulus := new(big.Int).SetBytes(n)
	exponent := new(big.Int).SetBytes(e)
	if modulus.Sign() <= 0 || !exponent.IsInt64() || exponent.Int64() <= 1 || exponent.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: modulus, E: int(exponent.Int64())}, nil
}

// maxAge returns the max-age directive of a Cache-Control header, or zero.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
