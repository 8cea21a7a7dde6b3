package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = time.Duration(1) * time.Hour    // 1 hour for access tokens
	refreshTokenTTL = time.Duration(7*24) * time.Hour // 7 days for refresh tokens
	bcryptCost      = bcrypt.DefaultCost
)

// RefreshToken represents a stored refresh token
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenManager issues and validates JWTs and tracks revocations and refresh
// tokens. Secrets come from config; when unset, random ones are generated so
// the binary still runs, though tokens won't survive a restart.
type TokenManager struct {
	secret        []byte
	refreshSecret []byte
	log           *logrus.Entry

	mu            sync.RWMutex
	revoked       map[string]time.Time
	refreshTokens map[string]*RefreshToken
}

// NewTokenManager builds a token manager from config.
func NewTokenManager(logger *logrus.Logger, cfg *Config) (*TokenManager, error) {
	tm := &TokenManager{
		log:           logger.WithField("component", "token_manager"),
		revoked:       make(map[string]time.Time),
		refreshTokens: make(map[string]*RefreshToken),
	}

	if cfg.JWTSecret == "" {
		randomBytes := make([]byte, 64)
		if _, err := rand.Read(randomBytes); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		tm.secret = randomBytes
		tm.log.Warn("🔑 Generated random JWT secret (set JWT_SECRET for production)")
	} else {
		tm.secret = []byte(cfg.JWTSecret)
	}

	if cfg.JWTRefreshSecret == "" {
		randomBytes := make([]byte, 64)
		if _, err := rand.Read(randomBytes); err != nil {
			return nil, fmt.Errorf("failed to generate JWT refresh secret: %w", err)
		}
		tm.refreshSecret = randomBytes
		tm.log.Warn("🔑 Generated random JWT refresh secret (set JWT_REFRESH_SECRET for production)")
	} else {
		tm.refreshSecret = []byte(cfg.JWTRefreshSecret)
	}

	return tm, nil
}

// IssuePair generates an access and refresh token pair for a user. The
// refresh token is stored so it can be consumed exactly once.
func (tm *TokenManager) IssuePair(user *User) (string, string, int64, error) {
	now := time.Now()
	accessExpiration := now.Add(accessTokenTTL)
	refreshExpiration := now.Add(refreshTokenTTL)

	accessClaims := &Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		TokenType: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(accessExpiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   user.ID,
			ID:        uuid.New().String(),
		},
	}

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims)
	accessTokenString, err := accessToken.SignedString(tm.secret)
	if err != nil {
		return "", "", 0, err
	}

	refreshClaims := &Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Role:      user.Role,
		TokenType: "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(refreshExpiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   user.ID,
			ID:        uuid.New().String(),
		},
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims)
	refreshTokenString, err := refreshToken.SignedString(tm.refreshSecret)
	if err != nil {
		return "", "", 0, err
	}

	tm.mu.Lock()
	tm.refreshTokens[refreshTokenString] = &RefreshToken{
		Token:     refreshTokenString,
		UserID:    user.ID,
		ExpiresAt: refreshExpiration,
		CreatedAt: now,
	}
	tm.mu.Unlock()

	return accessTokenString, refreshTokenString, accessExpiration.Unix(), nil
}

// ValidateAccess validates an access token, rejecting revoked ones.
func (tm *TokenManager) ValidateAccess(tokenString string) (*Claims, error) {
	tm.mu.RLock()
	_, isRevoked := tm.revoked[tokenString]
	tm.mu.RUnlock()
	if isRevoked {
		return nil, errors.New("token has been revoked")
	}

	claims, err := tm.parse(tokenString, tm.secret)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "access" {
		return nil, errors.New("invalid token type")
	}
	return claims, nil
}

// ValidateRefresh validates a refresh token and consumes it, so each refresh
// token can be exchanged for a new pair exactly once.
func (tm *TokenManager) ValidateRefresh(tokenString string) (*Claims, error) {
	claims, err := tm.parse(tokenString, tm.refreshSecret)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" {
		return nil, errors.New("invalid token type")
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	rt, exists := tm.refreshTokens[tokenString]
	if !exists {
		return nil, errors.New("refresh token not recognized")
	}
	delete(tm.refreshTokens, tokenString)

	if time.Now().After(rt.ExpiresAt) {
		return nil, errors.New("refresh token expired")
	}

	return claims, nil
}

// Revoke marks an access token as revoked until it would have expired anyway.
func (tm *TokenManager) Revoke(tokenString string, expiry time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.revoked[tokenString] = expiry
}

// RevokeRefresh drops a stored refresh token.
func (tm *TokenManager) RevokeRefresh(tokenString string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.refreshTokens, tokenString)
}

// StartCleanup launches a background sweep that drops expired revocations and
// refresh tokens until ctx is cancelled.
func (tm *TokenManager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tm.cleanup()
			}
		}
	}()
}

func (tm *TokenManager) cleanup() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()

	for token, expiry := range tm.revoked {
		if now.After(expiry) {
			delete(tm.revoked, token)
		}
	}

	for token, rt := range tm.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(tm.refreshTokens, token)
		}
	}
}

func (tm *TokenManager) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

// Extract token from Authorization header
func extractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization header format")
	}

	return parts[1], nil
}

// Password Functions

var (
	upperRegex   = regexp.MustCompile(`[A-Z]`)
	lowerRegex   = regexp.MustCompile(`[a-z]`)
	numberRegex  = regexp.MustCompile(`[0-9]`)
	specialRegex = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>\?]`)
	emailRegex   = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// validatePasswordComplexity validates password complexity requirements
func validatePasswordComplexity(password string) error {
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters long")
	}

	if len(password) > 128 {
		return errors.New("password too long (max 128 characters)")
	}

	missing := []string{}
	if !upperRegex.MatchString(password) {
		missing = append(missing, "uppercase letter")
	}
	if !lowerRegex.MatchString(password) {
		missing = append(missing, "lowercase letter")
	}
	if !numberRegex.MatchString(password) {
		missing = append(missing, "number")
	}
	if !specialRegex.MatchString(password) {
		missing = append(missing, "special character")
	}

	if len(missing) > 0 {
		return fmt.Errorf("password must contain: %s", strings.Join(missing, ", "))
	}

	// Check for common weak passwords
	commonPasswords := []string{
		"password", "123456", "password123", "admin", "qwerty",
		"letmein", "welcome", "monkey", "dragon", "master",
	}

	lowerPassword := strings.ToLower(password)
	for _, weak := range commonPasswords {
		if strings.Contains(lowerPassword, weak) {
			return errors.New("password contains common weak patterns")
		}
	}

	return nil
}

// hashPassword hashes a password using bcrypt
func hashPassword(password string) (string, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedPassword), nil
}

// comparePassword compares a password with its hash
func comparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

// Helper function to validate email format
func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}

	if !emailRegex.MatchString(email) {
		return errors.New("invalid email format")
	}

	if len(email) > 254 {
		return errors.New("email too long")
	}

	return nil
}
