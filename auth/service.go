package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agencyflow/apperr"
)

// MinSecretLength is the shortest HS256 secret accepted.
const MinSecretLength = 32

var (
	// ErrInvalidToken signals a missing, malformed, expired or badly signed token.
	ErrInvalidToken = fmt.Errorf("auth: invalid token: %w", apperr.ErrUnauthorized)
	// ErrWeakSecret signals a signing secret shorter than MinSecretLength.
	ErrWeakSecret = errors.New("auth: jwt secret must be at least 32 characters")
)

// Claims are the fields carried by an access token.
type Claims struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	jwt.RegisteredClaims
}

// Service issues and verifies HS256 access tokens. Identities are managed
// elsewhere; this service only trusts what it signed.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a token service for secret.
func NewService(jwtSecret string) (*Service, error) {
	if len(jwtSecret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &Service{jwtSecret: []byte(jwtSecret), now: time.Now}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs a token for userID valid for ttl.
func (s *Service) Issue(userID string, role Role, ttl time.Duration) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("auth: user id required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates tokenString and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Actor{}, ErrInvalidToken
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return Actor{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return Actor{ID: claims.UserID, Role: claims.Role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
