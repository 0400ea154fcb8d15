/**
 * @description
 * This file contains custom middleware for the HTTP router. Callers hit the
 * command surface with RS256 bearer tokens; the middleware verifies them
 * against the issuer's JWKS endpoint through a cached key store, so steady
 * traffic does not refetch the key set per request. Operator routes are
 * guarded by a shared internal key instead.
 *
 * @dependencies
 * - crypto/rsa, math/big, net/http, sync: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: Token parsing and claim validation.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SubjectContextKey is a custom type for the context key to avoid collisions.
type SubjectContextKey string

const authSubjectKey SubjectContextKey = "authSubject"

const jwksRefreshInterval = 5 * time.Minute

// jwksKeyStore caches the issuer's RSA signing keys by kid. A lookup miss or
// an expired cache triggers a refetch, which also picks up rotated keys.
type jwksKeyStore struct {
	url        string
	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSKeyStore(url string) *jwksKeyStore {
	return &jwksKeyStore{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// key resolves the signing key for a kid, refreshing the cached set when the
// kid is unknown or the cache has aged out. A failed refresh falls back to a
// stale hit rather than rejecting every request during an issuer outage.
func (s *jwksKeyStore) key(kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	cached, known := s.keys[kid]
	fresh := time.Since(s.fetchedAt) < jwksRefreshInterval
	s.mu.RUnlock()

	if known && fresh {
		return cached, nil
	}

	if err := s.refresh(); err != nil {
		if known {
			return cached, nil
		}
		return nil, fmt.Errorf("jwks refresh failed: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("signing key %q not present in jwks", kid)
	}
	return key, nil
}

func (s *jwksKeyStore) refresh() error {
	resp, err := s.httpClient.Get(s.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var document struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&document); err != nil {
		return fmt.Errorf("failed to decode jwks document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, k := range document.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=api msg=\"skipping unusable jwks entry\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks document contains no usable RSA signing keys")
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// rsaKeyFromJWK builds a public key from base64url modulus and exponent.
func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}

	exp := new(big.Int).SetBytes(exponent)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > math.MaxInt32 {
		return nil, fmt.Errorf("exponent out of range")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(exp.Int64()),
	}, nil
}

// BearerAuthMiddleware validates RS256 bearer tokens against the issuer's
// JWKS endpoint and stores the token subject on the request context.
// Audience and issuer enforcement come from AUTH_AUDIENCE / AUTH_ISSUER,
// read once at construction.
func BearerAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	store := newJWKSKeyStore(jwksURL)

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
	}
	if audience := strings.TrimSpace(os.Getenv("AUTH_AUDIENCE")); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	if issuer := strings.TrimSpace(os.Getenv("AUTH_ISSUER")); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header carries no kid")
		}
		return store.key(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			parsed, err := parser.Parse(token, keyFunc)
			if err != nil || !parsed.Valid {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}

			subject, err := parsed.Claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "token carries no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authSubjectKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireInternalAPIKey guards operator routes with a shared internal key.
func RequireInternalAPIKey(expectedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			expected := strings.TrimSpace(expectedKey)
			if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetAuthSubject retrieves the authenticated subject from the request
// context. Handlers should use this function to get the caller's identity.
func GetAuthSubject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(authSubjectKey).(string)
	return subject, ok
}
