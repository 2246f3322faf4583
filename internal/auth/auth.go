package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/classbank/exchange/internal/models"
)

// UserStore persists user accounts. *db.DB is the production implementation.
type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash, role string, openingBalance int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService handles user registration and session tokens
type AuthService struct {
	DB             UserStore
	Secret         []byte
	OpeningBalance int64
}

// NewAuthService creates a new auth service
func NewAuthService(users UserStore, secret string, openingBalance int64) *AuthService {
	return &AuthService{DB: users, Secret: []byte(secret), OpeningBalance: openingBalance}
}

// Register creates a new citizen with a hashed password and the classroom
// opening balance
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("username too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.DB.CreateUser(ctx, username, string(hashedPassword), "student", s.OpeningBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.DB.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	return s.GenerateToken(user.Username, user.Role)
}

// GenerateToken creates a signed session token for a user
func (s *AuthService) GenerateToken(username, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": username,
		"role":     role,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})
	return token.SignedString(s.Secret)
}

// GetUserFromToken extracts the username and role from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (username, role string, err error) {
	// Only the method we sign with is acceptable; a token self-declaring
	// another algorithm must not pass.
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", fmt.Errorf("invalid token")
	}
	username, _ = claims["username"].(string)
	role, _ = claims["role"].(string)
	if username == "" {
		return "", "", fmt.Errorf("invalid token claims")
	}
	return username, role, nil
}
