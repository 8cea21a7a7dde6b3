package main

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClassState is the latest known state of a watched section. It is written
// by the scrape worker; everything else only reads or republishes it.
type ClassState struct {
	SectionID      string    `json:"section_id"`
	Course         string    `json:"course"`
	Title          string    `json:"title"`
	Instructor     string    `json:"instructor"`
	SeatsAvailable int       `json:"seats_available"`
	SeatsTotal     int       `json:"seats_total"`
	WaitlistCount  int       `json:"waitlist_count"`
	Status         string    `json:"status"`
	CheckedAt      time.Time `json:"checked_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LockoutRecord tracks failed login attempts for one account identifier.
// LockedUntil is set only once Attempts reaches MaxFailedAttempts; a record
// whose LockedUntil has passed is logically unlocked even before the next
// CheckStatus physically deletes it.
type LockoutRecord struct {
	Identifier    string     `json:"identifier"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	LockedUntil   *time.Time `json:"locked_until,omitempty"`
}

// MemoryStats is a point-in-time view of process memory usage, in bytes.
type MemoryStats struct {
	Resident  uint64 `json:"resident"`
	HeapUsed  uint64 `json:"heap_used"`
	HeapTotal uint64 `json:"heap_total"`
	External  uint64 `json:"external"`
}

// HealthMetrics is an immutable snapshot produced on each monitoring tick.
type HealthMetrics struct {
	Memory        MemoryStats `json:"memory"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	CapturedAt    time.Time   `json:"captured_at"`
}

// User represents an API account.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Watch marks a section the scrape worker keeps checking.
type Watch struct {
	SectionID string    `json:"section_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// OpsEvent is one entry in the operational audit trail (lockouts, leak
// warnings, worker restarts).
type OpsEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Claims represents JWT claims for both access and refresh tokens.
type Claims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Request/Response DTOs

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse carries a freshly issued token pair.
type AuthResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
	ExpiresAt    int64  `json:"expires_at"`
}

// LockedResponse is the body of an HTTP 423 when an account is locked out.
type LockedResponse struct {
	Error            string `json:"error"`
	IsLocked         bool   `json:"is_locked"`
	RemainingMinutes int    `json:"remaining_minutes"`
}

// FailedLoginResponse is the body of an HTTP 401 for a failed-but-not-locked
// attempt.
type FailedLoginResponse struct {
	Error             string `json:"error"`
	IsLocked          bool   `json:"is_locked"`
	RemainingAttempts int    `json:"remaining_attempts"`
}

// ErrorResponse is the generic JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string       `json:"status"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	Memory        MemoryStats  `json:"memory"`
	Scraper       WorkerStatus `json:"scraper"`
	Subscriptions int          `json:"subscriptions"`
}
