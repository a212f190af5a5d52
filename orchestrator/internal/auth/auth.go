// Package auth verifies bearer tokens on submit routes and HMAC signatures on
// agent-to-agent commands.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	SubmitScope     = "orchestrator:submit"
	SignatureHeader = "X-A2A-Signature"
)

var (
	ErrMissingToken     = errors.New("bearer token required")
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingScope     = errors.New("missing required scope")
	ErrMissingSignature = errors.New("missing A2A signature")
	ErrInvalidSignature = errors.New("invalid A2A signature")
)

// Verifier checks HS256 tokens. A zero secret disables verification.
type Verifier struct {
	secret []byte
	scope  string
}

func NewVerifier(secret, scope string) *Verifier {
	if scope == "" {
		scope = SubmitScope
	}
	return &Verifier{secret: []byte(secret), scope: scope}
}

func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// Principal is the token subject, or "" when verification is disabled.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	if !v.Enabled() {
		return "", nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if !hasScope(claims, v.scope) {
		return "", ErrMissingScope
	}
	sub, _ := claims.GetSubject()
	return sub, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == want {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

// IssueToken signs a submit token; used by the CLI and tests.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": SubmitScope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw body.
func VerifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
