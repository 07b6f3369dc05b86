package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT service token without checking
// its signature; the credential service does that. ok is false for opaque
// tokens and for JWTs without an expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func warnIfExpired(token string, now time.Time) {
	exp, ok := TokenExpiry(token)
	if !ok {
		return
	}
	if now.After(exp) {
		log.Warn("api_token has expired, requests will likely be refused",
			"expiredAt", exp.Format(time.RFC3339))
	}
}
