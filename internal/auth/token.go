package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "neopro-edge"

// TokenManager builds the site tokens presented in the session handshake.
// The raw API key never crosses the wire: it is the HS256 signing secret
// of a short-lived JWT carrying the site identity.
type TokenManager struct {
	siteID string
	apiKey string
	ttl    time.Duration
}

// NewTokenManager creates a token manager for one site credential.
func NewTokenManager(siteID, apiKey string, ttl time.Duration) *TokenManager {
	return &TokenManager{siteID: siteID, apiKey: apiKey, ttl: ttl}
}

// SiteToken signs a fresh handshake token.
func (m *TokenManager) SiteToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   m.siteID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.apiKey))
	if err != nil {
		return "", fmt.Errorf("sign site token: %w", err)
	}
	return signed, nil
}

// ValidateSiteToken verifies a token against the site credential and
// returns the site id. This is the server-side check, kept here so both
// ends of the handshake share one definition.
func ValidateSiteToken(tokenString, apiKey string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(apiKey), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid site token")
	}
	if claims.Issuer != issuer {
		return "", fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	return claims.Subject, nil
}
