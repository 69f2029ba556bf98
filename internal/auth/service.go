package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/overcast-hq/overcast/internal/users"
)

// LoginResult carries the issued token and the authenticated user back to
// the HTTP layer.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      users.User
}

type Service struct {
	users *users.Service
	jwt   JWTConfig
}

func NewService(userSvc *users.Service, jwtCfg JWTConfig) *Service {
	return &Service{users: userSvc, jwt: jwtCfg}
}

// Login authenticates an operator by email and password and issues a
// dashboard token on success.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	token, err := GenerateToken(s.jwt, user.ID, user.Email, user.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("generating token: %w", err)
	}

	return LoginResult{
		Token:     token,
		ExpiresAt: time.Now().Add(s.jwt.Expiry),
		User:      user,
	}, nil
}

// Verify validates a dashboard token and returns its claims.
func (s *Service) Verify(tokenString string) (TokenClaims, error) {
	return VerifyToken(s.jwt, tokenString)
}
