// internal/auth/auth.go

// Package auth issues and validates the admin tokens that protect the
// lifecycle endpoints. There is exactly one principal, the configured admin
// user; everything else is anonymous and read-only.
package auth

import (
	"errors"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/servitorhq/servitor/pkg/config"
	errs "github.com/servitorhq/servitor/pkg/errors"
	"github.com/servitorhq/servitor/pkg/logging"
)

const (
	// Password hashing cost
	bcryptCost = 14

	minPasswordLength = 8

	// RoleAdmin is the role claim required by the admin route group.
	RoleAdmin = "admin"
)

// Token is an issued credential with its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticator verifies the admin credential and mints JWTs for it.
type Authenticator struct {
	cfg       config.AuthConfig
	tokenAuth *jwtauth.JWTAuth
	logger    *logging.Logger
}

// New creates an authenticator for the configured admin user.
func New(cfg config.AuthConfig, logger *logging.Logger) *Authenticator {
	return &Authenticator{
		cfg:       cfg,
		tokenAuth: jwtauth.New("HS256", []byte(cfg.JWTSecret), nil),
		logger:    logger.WithField("component", "auth"),
	}
}

// TokenAuth exposes the jwtauth instance for the router's Verifier and
// Authenticator middleware.
func (a *Authenticator) TokenAuth() *jwtauth.JWTAuth {
	return a.tokenAuth
}

// HashPassword hashes a password for storage in configuration.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", errors.New("password must be at least 8 characters long")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login verifies the admin credential and issues a token. The failure is
// the same for a wrong user and a wrong password so callers cannot probe
// which half was wrong.
func (a *Authenticator) Login(username, password string) (Token, error) {
	if username != a.cfg.AdminUser || !a.verifyPassword(password) {
		a.logger.Warn("failed login attempt", "username", username)
		return Token{}, errs.APIErrorf(errs.APIErrUnauthorized, "invalid credentials")
	}

	expiresAt := time.Now().Add(time.Duration(a.cfg.TokenExpiry) * time.Second)
	claims := map[string]interface{}{
		"jti":  uuid.New().String(),
		"sub":  username,
		"role": RoleAdmin,
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().Unix(),
	}

	_, tokenString, err := a.tokenAuth.Encode(claims)
	if err != nil {
		return Token{}, errs.APIWrapWithCode(err, errs.OpGenerateToken, errs.APIErrInternalServer,
			"encoding token")
	}

	a.logger.Info("admin token issued", "username", username)
	return Token{Value: tokenString, ExpiresAt: expiresAt}, nil
}

func (a *Authenticator) verifyPassword(password string) bool {
	if a.cfg.AdminPasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(password)) == nil
}
