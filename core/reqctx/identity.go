package reqctx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid bearer token")

// TokenVerifier resolves the caller identity from an HMAC-signed bearer token.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier returns nil for an empty secret; a nil verifier leaves
// metadata untouched.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Identify sets md.UserID from the `sub` claim of the Authorization header.
// Anonymous metadata (no token, no user id) is returned unchanged. An explicit
// user id is only accepted alongside a token whose subject matches it.
func (v *TokenVerifier) Identify(md Metadata) (Metadata, error) {
	if v == nil {
		return md, nil
	}
	var raw string
	for _, kv := range md.Headers {
		if strings.EqualFold(kv[0], "authorization") {
			raw = kv[1]
			break
		}
	}
	raw, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || raw == "" {
		if md.UserID != nil {
			return md, fmt.Errorf("%w: user id %q given without a token", ErrInvalidToken, *md.UserID)
		}
		return md, nil
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return md, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return md, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if md.UserID != nil && *md.UserID != sub {
		return md, fmt.Errorf("%w: user id %q does not match token subject", ErrInvalidToken, *md.UserID)
	}
	md.UserID = &sub
	return md, nil
}
