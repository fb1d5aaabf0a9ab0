package integration

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"maps"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	rsaKeyID = "qms-test-rsa"
	ecKeyID  = "qms-test-ec"
)

// TestClaims are the identity claims of a test token. Extra entries
// override the standard claims, including iss, aud and exp.
type TestClaims struct {
	SubjectID string
	Name      string
	Role      string
	Extra     map[string]any
}

// tokenIssuer plays the identity provider: it signs tokens with an RSA and
// an EC key and publishes both public keys on a JWKS endpoint.
type tokenIssuer struct {
	rsaKey   *rsa.PrivateKey
	ecKey    *ecdsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate EC key: %v", err)
	}

	b64 := func(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
	set := map[string]any{"keys": []map[string]any{
		{
			"kid": rsaKeyID, "kty": "RSA", "alg": "RS256", "use": "sig",
			"n": b64(rsaKey.N.Bytes()),
			"e": b64(big.NewInt(int64(rsaKey.E)).Bytes()),
		},
		{
			"kid": ecKeyID, "kty": "EC", "alg": "ES256", "use": "sig", "crv": "P-256",
			"x": b64(ecKey.X.FillBytes(make([]byte, 32))),
			"y": b64(ecKey.Y.FillBytes(make([]byte, 32))),
		},
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		rsaKey:   rsaKey,
		ecKey:    ecKey,
		jwks:     srv,
		issuer:   "https://auth.test.qms.dev",
		audience: "qms-test",
	}
}

func (ti *tokenIssuer) claims(c TestClaims, issuedAt time.Time, ttl time.Duration) jwt.MapClaims {
	mc := jwt.MapClaims{
		"iss":  ti.issuer,
		"aud":  ti.audience,
		"sub":  c.SubjectID,
		"name": c.Name,
		"role": c.Role,
		"iat":  jwt.NewNumericDate(issuedAt),
		"exp":  jwt.NewNumericDate(issuedAt.Add(ttl)),
	}
	maps.Copy(mc, c.Extra)
	return mc
}

// sign signs claims with key, choosing RS256 or ES256 from the key type.
// Keys that the issuer does not publish still carry a known kid, so the
// token fails on the signature rather than on key lookup.
func sign(key any, claims jwt.MapClaims) string {
	var token *jwt.Token
	switch key.(type) {
	case *ecdsa.PrivateKey:
		token = jwt.NewWithClaims(jwt.SigningMethodES256, claims)
		token.Header["kid"] = ecKeyID
	default:
		token = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		token.Header["kid"] = rsaKeyID
	}
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign test token: " + err.Error())
	}
	return signed
}

// GenerateToken returns an RS256 token valid for one hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return sign(ti.rsaKey, ti.claims(c, time.Now(), time.Hour))
}

// GenerateECToken returns an ES256 token valid for one hour.
func (ti *tokenIssuer) GenerateECToken(c TestClaims) string {
	return sign(ti.ecKey, ti.claims(c, time.Now(), time.Hour))
}

// GenerateExpiredToken returns a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return sign(ti.rsaKey, ti.claims(c, time.Now().Add(-2*time.Hour), time.Hour))
}

func (ti *tokenIssuer) JWKSURL() string      { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string       { return ti.issuer }
func (ti *tokenIssuer) Audience() string     { return ti.audience }
func (ti *tokenIssuer) Algorithms() []string { return []string{"RS256", "ES256"} }
