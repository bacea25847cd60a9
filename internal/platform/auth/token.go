package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("invalid token")
)

// Claims is the payload of a session token. Subject carries the account id.
type Claims struct {
	jwt.RegisteredClaims
	LoginID string `json:"loginid"`
	Role    string `json:"role"`
}

// TokenManager issues and verifies HS256 session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns the lifetime of newly issued tokens.
func (m *TokenManager) TTL() time.Duration { return m.ttl }

// Issue signs a token for the given account. Every token carries a fresh jti
// so that it can be revoked individually.
func (m *TokenManager) Issue(accountID, loginID, role string) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		LoginID: loginID,
		Role:    role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Parse verifies the signature and expiry of raw. The returned error wraps
// ErrTokenExpired or ErrTokenInvalid.
func (m *TokenManager) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ErrorName returns the error label the web client matches on.
func ErrorName(err error) string {
	if errors.Is(err, ErrTokenExpired) {
		return "TokenExpiredError"
	}
	return "JsonWebTokenError"
}
