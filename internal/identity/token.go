package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid identity token")

// anonClaims is the payload of the anonymous identity cookie.
type anonClaims struct {
	jwt.RegisteredClaims
}

// signAnonID returns an HS256 token carrying userID as subject.
func signAnonID(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := anonClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// parseAnonID verifies token and returns the anonymous user ID it carries.
func parseAnonID(secret []byte, token string) (string, error) {
	claims := &anonClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	if !parsed.Valid || !isValidAnonID(claims.Subject) {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}
