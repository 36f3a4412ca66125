package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashita-ai/portal/internal/auth"
)

// JWKS serves an RSA signing key the way Clerk publishes one, and mints
// session tokens signed with it.
type JWKS struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	kid    string
}

// NewJWKS generates a key pair and starts serving it. Call Close when done.
func NewJWKS() (*JWKS, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("testutil: generate rsa key: %w", err)
	}
	j := &JWKS{key: key, kid: "test-key-1"}

	body, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": j.kid,
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: marshal jwks: %w", err)
	}
	j.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	return j, nil
}

// URL is the JWKS endpoint.
func (j *JWKS) URL() string { return j.server.URL }

// Close stops the JWKS server.
func (j *JWKS) Close() { j.server.Close() }

// Sign signs arbitrary claims with the served key.
func (j *JWKS) Sign(claims jwt.Claims) string {
	return SignRS256(j.key, j.kid, claims)
}

// Token mints a valid one-hour session token for sub. Options adjust the claims.
func (j *JWKS) Token(sub string, opts ...func(*auth.Claims)) string {
	now := time.Now()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return j.Sign(c)
}

// StaffToken mints a session token carrying the staff claim.
func (j *JWKS) StaffToken(sub string) string {
	return j.Token(sub, func(c *auth.Claims) { c.Staff = true })
}

// SignRS256 signs claims with key and stamps kid into the header.
func SignRS256(key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		panic(fmt.Sprintf("testutil: sign token: %v", err))
	}
	return signed
}
