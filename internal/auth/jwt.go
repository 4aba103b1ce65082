package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleProducer = "producer"
	RoleViewer   = "viewer"
)

// DefaultTokenTTL is how long issued tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	Role string `json:"role"` // "producer" or "viewer"
	// SessionID restricts a token to one session; empty means any session.
	SessionID string `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}

// AllowsSession reports whether the token may act on sessionID.
func (c *JWTClaims) AllowsSession(sessionID string) bool {
	return c.SessionID == "" || c.SessionID == sessionID
}

// Issuer signs and validates tokens with the server secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret doubles as the credential exchanged for a
// producer token.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("secret key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// CheckSecret compares candidate with the server secret in constant time.
func (i *Issuer) CheckSecret(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), i.secret) == 1
}

// GenerateProducerToken generates a token allowed to submit segments. An empty sessionID
// allows every session.
func (i *Issuer) GenerateProducerToken(subject, sessionID string) (string, time.Time, error) {
	return i.generate(RoleProducer, subject, sessionID)
}

// GenerateViewerToken generates a read-only token for one session.
func (i *Issuer) GenerateViewerToken(sessionID string) (string, time.Time, error) {
	return i.generate(RoleViewer, "", sessionID)
}

func (i *Issuer) generate(role, subject, sessionID string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &JWTClaims{
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *Issuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Role != RoleProducer && claims.Role != RoleViewer {
			return nil, fmt.Errorf("unknown role %q", claims.Role)
		}
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
