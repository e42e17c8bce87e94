package frontdoor

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/herald-project/herald/config"
	"github.com/herald-project/herald/herrors"
)

// jwksCacheTTL bounds how long a fetched JSON Web Key Set is trusted
// before serviceAccountAuth re-fetches it.
const jwksCacheTTL = 24 * time.Hour

// jwk is the subset of RFC 7517 fields Herald needs to reconstruct an
// RSA public key.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// serviceAccountAuth verifies bearer JWTs against a JWKS endpoint and
// checks the token's subject against config.Config.ServiceAccounts. The
// fetch-and-cache loop sits on top of golang-jwt/jwt/v5's signature
// verification.
type serviceAccountAuth struct {
	cfg       *config.Config
	jwksURL   string
	client    *http.Client
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newServiceAccountAuth(cfg *config.Config, jwksURL string) *serviceAccountAuth {
	return &serviceAccountAuth{
		cfg:     cfg,
		jwksURL: jwksURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		keys:    map[string]*rsa.PublicKey{},
	}
}

// Verify checks r's Authorization bearer token and confirms its subject
// is entitled to bucket.
func (a *serviceAccountAuth) Verify(r *http.Request, bucket, requestID string) error {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return herrors.AccessDenied(bucket, requestID)
	}
	tokenStr := strings.TrimPrefix(raw, "Bearer ")

	token, err := jwt.Parse(tokenStr, a.keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !token.Valid {
		return herrors.AccessDenied(bucket, requestID)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return herrors.AccessDenied(bucket, requestID)
	}
	subject, _ := claims.GetSubject()

	allowed, ok := a.cfg.ServiceAccounts[subject]
	if !ok {
		return herrors.AccessDenied(bucket, requestID)
	}
	for _, b := range allowed {
		if b == bucket {
			return nil
		}
	}
	return herrors.AccessDenied(bucket, requestID)
}

func (a *serviceAccountAuth) keyfunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)

	if err := a.ensureFresh(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.keys[kid]
	if !ok {
		return nil, fmt.Errorf("frontdoor: no JWKS key for kid %q", kid)
	}
	return key, nil
}

func (a *serviceAccountAuth) ensureFresh() error {
	a.mu.Lock()
	stale := time.Since(a.fetchedAt) > jwksCacheTTL || len(a.keys) == 0
	a.mu.Unlock()
	if !stale {
		return nil
	}
	return a.refresh()
}

func (a *serviceAccountAuth) refresh() error {
	resp, err := a.client.Get(a.jwksURL)
	if err != nil {
		return fmt.Errorf("frontdoor: fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("frontdoor: decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	a.mu.Lock()
	a.keys = keys
	a.fetchedAt = time.Now()
	a.mu.Unlock()
	return nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("frontdoor: decode JWK modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("frontdoor: decode JWK exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
