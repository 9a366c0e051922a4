package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// connectionClaims is the signed connection token issued at negotiate. The
// client presents it on every subsequent request.
type connectionClaims struct {
	ConnectionID string `json:"cid"`
	jwt.RegisteredClaims
}

// groupsClaims is the signed group-membership token. It rides the envelope
// whenever membership changes and comes back on reconnect, so a connection's
// groups survive a drop without server-side session state.
type groupsClaims struct {
	ConnectionID string   `json:"cid"`
	Groups       []string `json:"groups"`
	jwt.RegisteredClaims
}

// TokenService signs and validates connection and groups tokens.
type TokenService struct {
	secretKey []byte
	lifetime  time.Duration
}

// NewTokenService creates a TokenService. lifetime bounds token validity;
// zero defaults to 24 hours.
func NewTokenService(secretKey string, lifetime time.Duration) *TokenService {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &TokenService{secretKey: []byte(secretKey), lifetime: lifetime}
}

// ConnectionToken issues the opaque token that identifies a connection.
func (t *TokenService) ConnectionToken(connectionID string) (string, error) {
	now := time.Now()
	claims := connectionClaims{
		ConnectionID: connectionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secretKey)
}

// ParseConnectionToken validates a connection token and returns the
// connection id it carries.
func (t *TokenService) ParseConnectionToken(tokenString string) (string, error) {
	claims := &connectionClaims{}
	if err := t.parse(tokenString, claims); err != nil {
		return "", err
	}
	if claims.ConnectionID == "" {
		return "", fmt.Errorf("server: connection token missing connection id")
	}
	return claims.ConnectionID, nil
}

// GroupsToken issues a token binding the group list to the connection.
func (t *TokenService) GroupsToken(connectionID string, groupTopics []string) (string, error) {
	now := time.Now()
	claims := groupsClaims{
		ConnectionID: connectionID,
		Groups:       groupTopics,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secretKey)
}

// ParseGroupsToken validates a groups token and returns the group topics it
// carries. The token must belong to the given connection; accepting another
// connection's token would let a client splice itself into foreign groups.
func (t *TokenService) ParseGroupsToken(tokenString, connectionID string) ([]string, error) {
	claims := &groupsClaims{}
	if err := t.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.ConnectionID != connectionID {
		return nil, fmt.Errorf("server: groups token issued for another connection")
	}
	return claims.Groups, nil
}

func (t *TokenService) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secretKey, nil
	})
	if err != nil {
		return fmt.Errorf("server: invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("server: invalid token claims")
	}
	return nil
}
