package oauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// peekExpiry best-effort decodes the exp claim from an access token when
// the issuer omitted expires_in. Access tokens are opaque by contract, so
// a non-JWT token simply yields a zero time; the signature is never
// verified because the token is only inspected, not trusted.
func peekExpiry(accessToken string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
