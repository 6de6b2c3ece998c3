package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Role identifies which side of a deal an actor token speaks for.
type Role string

const (
	RoleCreator   Role = "creator"
	RoleRecipient Role = "recipient"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCreator, RoleRecipient:
		return true
	default:
		return false
	}
}

// actorTokenTTL bounds how long an issued actor token stays usable.
const actorTokenTTL = 24 * time.Hour

// Service issues and verifies the signed actor tokens that attribute audit
// entries to a known creator or recipient. It holds no user store; identity
// lives in the token claims.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GenerateActorToken signs a token binding actorID to a role.
func (s *Service) GenerateActorToken(actorID string, role Role) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("auth: actor id required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}

	issuedAt := s.now()
	claims := jwt.MapClaims{
		"actor_id": actorID,
		"role":     string(role),
		"exp":      issuedAt.Add(actorTokenTTL).Unix(),
		"iat":      issuedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyActorToken validates a token and returns the actor it speaks for.
func (s *Service) VerifyActorToken(tokenString string) (string, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrInvalidToken
	}

	actorID, ok := claims["actor_id"].(string)
	if !ok || actorID == "" {
		return "", "", fmt.Errorf("auth: invalid actor_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return "", "", fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !role.Valid() {
		return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return actorID, role, nil
}
