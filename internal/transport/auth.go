package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/qms/internal/config"
	"github.com/pitabwire/qms/internal/observability"
	"github.com/pitabwire/qms/model"
)

// JWKSClient fetches and caches JSON Web Key Sets from an identity provider.
type JWKSClient struct {
	mu         sync.RWMutex
	url        string
	keys       map[string]crypto.PublicKey
	lastFetch  time.Time
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client
}

// NewJWKSClient creates a JWKS client that caches keys from url for ttl.
func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	return &JWKSClient{
		url:        url,
		keys:       make(map[string]crypto.PublicKey),
		ttl:        ttl,
		minRefresh: time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the public key with the given key ID, refreshing the set
// when the key is unknown or the cache expired. A failed refresh falls back
// to a cached key.
func (c *JWKSClient) GetKey(kid string) (crypto.PublicKey, error) {
	key, fresh := c.cached(kid)
	if key != nil && fresh {
		return key, nil
	}

	if err := c.refresh(); err != nil {
		if key != nil {
			slog.Warn("jwks: refresh failed, using cached key", "kid", kid, "error", err)
			return key, nil
		}
		return nil, fmt.Errorf("jwks: fetch failed: %w", err)
	}

	if key, _ = c.cached(kid); key == nil {
		return nil, fmt.Errorf("jwks: unknown signing key %q", kid)
	}
	return key, nil
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[kid], time.Since(c.lastFetch) <= c.ttl
}

// jwk is the subset of RFC 7517 fields needed to build RSA and EC keys.
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (c *JWKSClient) refresh() error {
	c.mu.RLock()
	tooSoon := len(c.keys) > 0 && time.Since(c.lastFetch) < c.minRefresh
	c.mu.RUnlock()
	if tooSoon {
		return nil
	}

	resp, err := c.httpClient.Get(c.url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: unexpected status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("jwks: parse error: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" {
			continue
		}
		key, err := k.publicKey()
		if err != nil {
			slog.Warn("jwks: skipping key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = key
	}

	c.mu.Lock()
	c.keys = keys
	c.lastFetch = time.Now()
	c.mu.Unlock()
	return nil
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := decodeBigInt(k.N, "n")
		if err != nil {
			return nil, err
		}
		e, err := decodeBigInt(k.E, "e")
		if err != nil {
			return nil, err
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := decodeBigInt(k.X, "x")
		if err != nil {
			return nil, err
		}
		y, err := decodeBigInt(k.Y, "y")
		if err != nil {
			return nil, err
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", k.Kty)
}

func decodeBigInt(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing %s", field)
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// UserDirectory resolves the usernames accepted in header identity mode.
type UserDirectory interface {
	LookupUser(username string) (model.Principal, bool)
}

// NewAuthenticator builds the identity middleware selected by cfg.Mode.
func NewAuthenticator(cfg config.IdentityConfig, dir UserDirectory) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case config.IdentityModeJWT:
		return JWTAuthenticator(cfg, NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL)), nil
	case config.IdentityModeHeader:
		if dir == nil {
			return nil, errors.New("header identity mode needs a user directory")
		}
		return HeaderAuthenticator(cfg.UserHeader, dir), nil
	}
	return nil, fmt.Errorf("unsupported identity mode %q", cfg.Mode)
}

// JWTAuthenticator returns middleware that verifies bearer tokens against
// the JWKS and builds the principal from the configured name and role
// claims.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid in token header")
		}
		return jwks.GetKey(kid)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenStr == "" {
				WriteError(w, model.NewUnauthenticatedError("Missing or malformed bearer token"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil || !token.Valid {
				WriteError(w, model.NewUnauthenticatedError(classifyJWTError(err)))
				return
			}

			p := model.Principal{
				Name: extractClaim(claims, cfg.NameClaim),
				Role: extractClaim(claims, cfg.RoleClaim),
			}
			if p.IsZero() {
				WriteError(w, model.NewUnauthenticatedError("Token does not carry a name and role"))
				return
			}
			sub, _ := claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(withPrincipal(r, p, sub, claims)))
		})
	}
}

// HeaderAuthenticator returns middleware that trusts header to carry a
// username of the seeded directory.
func HeaderAuthenticator(header string, dir UserDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username := strings.TrimSpace(r.Header.Get(header))
			if username == "" {
				WriteError(w, model.NewUnauthenticatedError("Missing "+header+" header"))
				return
			}
			p, ok := dir.LookupUser(username)
			if !ok {
				WriteError(w, model.NewUnauthenticatedError("Unknown user"))
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r, p, username, nil)))
		})
	}
}

func withPrincipal(r *http.Request, p model.Principal, subject string, claims map[string]any) context.Context {
	ctx := r.Context()
	return model.WithRequestContext(ctx, &model.RequestContext{
		Principal:     p,
		SubjectID:     subject,
		Claims:        claims,
		CorrelationID: CorrelationIDFrom(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
		SpanID:        observability.SpanIDFromContext(ctx),
	})
}

// extractClaim reads a string claim. Dotted paths descend into nested
// objects, e.g. "realm_access.role".
func extractClaim(claims map[string]any, path string) string {
	if path == "" {
		return ""
	}
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

func classifyJWTError(err error) string {
	switch {
	case err == nil:
		return "Invalid token"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Unknown signing key"
	}
	return "Invalid token"
}
