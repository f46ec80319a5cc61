package broker

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	session "github.com/goliatone/go-session"
)

// IDTokenClaims are the claims read from the broker issued ID token.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	TokenUse        string `json:"token_use,omitempty"`
	Email           string `json:"email,omitempty"`
	EmailVerified   any    `json:"email_verified,omitempty"`
	Name            string `json:"name,omitempty"`
	GivenName       string `json:"given_name,omitempty"`
	FamilyName      string `json:"family_name,omitempty"`
	Picture         string `json:"picture,omitempty"`
	CognitoUsername string `json:"cognito:username,omitempty"`
	PreferredName   string `json:"preferred_username,omitempty"`
}

// Profile maps the claims onto a session profile.
func (c *IDTokenClaims) Profile() *session.Profile {
	if c == nil {
		return nil
	}
	username := c.CognitoUsername
	if username == "" {
		username = c.PreferredName
	}
	return &session.Profile{
		ID:            c.Subject,
		Email:         c.Email,
		EmailVerified: truthy(c.EmailVerified),
		Name:          c.Name,
		GivenName:     c.GivenName,
		FamilyName:    c.FamilyName,
		Username:      username,
		Picture:       c.Picture,
	}
}

// TokenVerifier checks ID tokens against the broker signing keys.
type TokenVerifier struct {
	keyfunc  jwt.Keyfunc
	methods  []string
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenVerifier returns a verifier. methods defaults to RS256.
func NewTokenVerifier(keyfunc jwt.Keyfunc, issuer, audience string, methods ...string) *TokenVerifier {
	if len(methods) == 0 {
		methods = []string{jwt.SigningMethodRS256.Alg()}
	}
	return &TokenVerifier{
		keyfunc:  keyfunc,
		methods:  methods,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
}

// Verify parses raw and validates signature, issuer, audience and expiry.
func (v *TokenVerifier) Verify(raw string) (*IDTokenClaims, error) {
	if raw == "" {
		return nil, normalizeVerifyError(errors.New("missing id token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &IDTokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, v.keyfunc, opts...); err != nil {
		return nil, normalizeVerifyError(err)
	}

	if claims.TokenUse != "" && claims.TokenUse != "id" {
		return nil, normalizeVerifyError(fmt.Errorf("unexpected token_use %q", claims.TokenUse))
	}

	return claims, nil
}

func normalizeVerifyError(err error) error {
	reason := "malformed"
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		reason = "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		reason = "signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		reason = "issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		reason = "audience"
	}

	clone := ErrTokenVerificationFailed.Clone()
	if clone == nil {
		return err
	}
	clone.Source = err
	return clone.WithMetadata(map[string]any{
		"reason": reason,
		"cause":  err.Error(),
	})
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}
