package live

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Tokens authorize collaborators to call the broadcast api.
// They say nothing about the identities that connect over websocket.

const apiTokenIssuer = "live"

// `ttl` of 0 mints a token that does not expire
func NewApiToken(secret string, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("Api secret is required.")
	}
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Issuer:   apiTokenIssuer,
		Subject:  subject,
		IssuedAt: gojwt.NewNumericDate(now),
	}
	if 0 < ttl {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseApiToken(secret string, tokenStr string) (*gojwt.RegisteredClaims, error) {
	if secret == "" {
		return nil, errors.New("Api secret is required.")
	}
	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(
		tokenStr,
		claims,
		func(token *gojwt.Token) (any, error) {
			return []byte(secret), nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(apiTokenIssuer),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
