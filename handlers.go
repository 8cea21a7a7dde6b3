package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Server wires the HTTP surface to the operational components.
type Server struct {
	cfg     *Config
	log     *logrus.Logger
	limiter RequestLimiter
	guard   *LockoutGuard
	tokens  *TokenManager
	users   *UserStore
	states  *StateStore
	bridge  *StateBridge
	monitor *HealthMonitor
	worker  *ScrapeWorker
	events  *OpsEventStore

	upgrader  websocket.Upgrader
	startedAt time.Time
}

// NewServer builds the server around its collaborators.
func NewServer(cfg *Config, logger *logrus.Logger, limiter RequestLimiter, guard *LockoutGuard, tokens *TokenManager,
	users *UserStore, states *StateStore, bridge *StateBridge, monitor *HealthMonitor, worker *ScrapeWorker,
	events *OpsEventStore) *Server {
	return &Server{
		cfg:     cfg,
		log:     logger,
		limiter: limiter,
		guard:   guard,
		tokens:  tokens,
		users:   users,
		states:  states,
		bridge:  bridge,
		monitor: monitor,
		worker:  worker,
		events:  events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
		startedAt: time.Now(),
	}
}

// Routes assembles the router and middleware chain. Security headers and CORS
// wrap the router itself so preflight requests are answered before routing.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	api.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	api.HandleFunc("/states", s.handleStates).Methods("GET")
	api.HandleFunc("/states/{sectionID}", s.handleState).Methods("GET")
	api.HandleFunc("/ops/limiter", s.handleLimiterStats).Methods("GET")
	api.HandleFunc("/ops/events", s.handleOpsEvents).Methods("GET")

	return s.securityMiddleware(r)
}

// securityMiddleware adds security headers and CORS
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		if s.cfg.Production() {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		}

		// Content Security Policy
		csp := []string{
			"default-src 'self'",
			"script-src 'self'",
			"style-src 'self' 'unsafe-inline'",
			"img-src 'self' data:",
			"connect-src 'self' ws: wss:",
			"object-src 'none'",
			"base-uri 'self'",
			"form-action 'self'",
			"frame-ancestors 'none'",
		}
		w.Header().Set("Content-Security-Policy", strings.Join(csp, "; "))

		// CORS with origin validation
		origin := r.Header.Get("Origin")
		allowedOrigin := ""
		for _, o := range s.cfg.AllowedOrigins {
			if o == origin {
				allowedOrigin = origin
				break
			}
		}
		if allowedOrigin == "" && len(s.cfg.AllowedOrigins) > 0 {
			allowedOrigin = s.cfg.AllowedOrigins[0]
		}
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Request size limiting
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)

		next.ServeHTTP(w, r)
	})
}

// loggingResponseWriter captures the status code for logging and metrics. It
// forwards Hijack so the WebSocket upgrade still works behind it.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// loggingMiddleware records each request in the log and in Prometheus. The
// metric path label uses the route template so section IDs don't explode
// cardinality.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		duration := time.Since(start)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(lrw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())

		s.log.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    lrw.status,
			"duration":  duration.String(),
			"client_ip": getClientIP(r),
		}).Info("Request handled")
	})
}

// rateLimitMiddleware applies the per-IP sliding window. Reads and writes run
// against separate budgets; health, metrics, and the WebSocket endpoint are
// exempt.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/metrics", "/ws":
			next.ServeHTTP(w, r)
			return
		}

		profile, limit := "write", s.cfg.WriteLimit
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			profile, limit = "read", s.cfg.ReadLimit
		}

		clientIP := getClientIP(r)
		decision := s.limiter.Check(clientIP, limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			rateLimitRejections.WithLabelValues(profile).Inc()
			s.log.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"profile":   profile,
				"path":      r.URL.Path,
			}).Warn("Rate limit exceeded")
			respondError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please wait before trying again.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates JWT tokens
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Public endpoints that don't require authentication
		switch r.URL.Path {
		case "/health", "/metrics", "/ws",
			"/api/v1/auth/register", "/api/v1/auth/login", "/api/v1/auth/refresh":
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := s.tokens.ValidateAccess(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Helper functions
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func getClientIP(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ips := strings.Split(fwd, ",")
		return strings.TrimSpace(ips[0])
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Route handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.monitor.Snapshot()

	status := "healthy"
	if !s.monitor.IsHealthy(s.cfg.MemoryBudgetBytes()) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, HealthResponse{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Memory:        metrics.Memory,
		Scraper:       s.worker.Status(),
		Subscriptions: s.bridge.ActiveSubscriptions(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validateEmail(req.Email); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validatePasswordComplexity(req.Password); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing, err := s.users.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.log.WithError(err).Error("Failed to look up user")
		respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, "User with this email already exists")
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		s.log.WithError(err).Error("Failed to hash password")
		respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	user, err := s.users.CreateUser(r.Context(), &User{Email: req.Email, PasswordHash: hash})
	if err != nil {
		s.log.WithError(err).Error("Failed to create user")
		respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	access, refresh, expiresAt, err := s.tokens.IssuePair(user)
	if err != nil {
		s.log.WithError(err).Error("Failed to issue tokens")
		respondError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	s.log.WithField("email", user.Email).Info("✅ User registered")
	respondJSON(w, http.StatusCreated, AuthResponse{
		Token:        access,
		RefreshToken: refresh,
		User:         *user,
		ExpiresAt:    expiresAt,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	// Locked identifiers are rejected before credentials are even looked at.
	status := s.guard.CheckStatus(r.Context(), req.Email)
	if status.Locked {
		respondJSON(w, http.StatusLocked, LockedResponse{
			Error:            "Account temporarily locked due to too many failed attempts",
			IsLocked:         true,
			RemainingMinutes: status.RemainingMinutes,
		})
		return
	}

	user, err := s.users.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		s.log.WithError(err).Error("Failed to look up user")
		respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	authenticated := user != nil && comparePassword(user.PasswordHash, req.Password) == nil
	if !authenticated {
		record, err := s.guard.RecordFailure(r.Context(), req.Email)
		if err != nil {
			s.log.WithError(err).Warn("Failed to persist lockout record")
		}

		if record.LockedUntil != nil {
			detail := fmt.Sprintf("%s locked after %d failed attempts", normalizeIdentifier(req.Email), record.Attempts)
			if err := s.events.Record(r.Context(), OpsEventLockout, detail); err != nil {
				s.log.WithError(err).Warn("Failed to record lockout event")
			}
			respondJSON(w, http.StatusLocked, LockedResponse{
				Error:            "Account temporarily locked due to too many failed attempts",
				IsLocked:         true,
				RemainingMinutes: remainingMinutes(time.Now(), *record.LockedUntil),
			})
			return
		}

		respondJSON(w, http.StatusUnauthorized, FailedLoginResponse{
			Error:             "Invalid email or password",
			IsLocked:          false,
			RemainingAttempts: s.guard.RemainingAttempts(record.Attempts),
		})
		return
	}

	if err := s.guard.Clear(r.Context(), req.Email); err != nil {
		s.log.WithError(err).Warn("Failed to clear lockout record")
	}
	if err := s.users.UpdateLastLogin(r.Context(), user.ID); err != nil {
		s.log.WithError(err).Warn("Failed to update last login")
	}

	access, refresh, expiresAt, err := s.tokens.IssuePair(user)
	if err != nil {
		s.log.WithError(err).Error("Failed to issue tokens")
		respondError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	now := time.Now().UTC()
	user.LastLogin = &now

	s.log.WithField("email", user.Email).Info("Successful login")
	respondJSON(w, http.StatusOK, AuthResponse{
		Token:        access,
		RefreshToken: refresh,
		User:         *user,
		ExpiresAt:    expiresAt,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	claims, err := s.tokens.ValidateRefresh(req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.log.WithError(err).Error("Failed to look up user")
		respondError(w, http.StatusInternalServerError, "Token refresh failed")
		return
	}
	if user == nil {
		respondError(w, http.StatusUnauthorized, "User no longer exists")
		return
	}

	access, refresh, expiresAt, err := s.tokens.IssuePair(user)
	if err != nil {
		s.log.WithError(err).Error("Failed to issue tokens")
		respondError(w, http.StatusInternalServerError, "Token refresh failed")
		return
	}

	respondJSON(w, http.StatusOK, AuthResponse{
		Token:        access,
		RefreshToken: refresh,
		User:         *user,
		ExpiresAt:    expiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := r.Context().Value(claimsContextKey).(*Claims)

	// Middleware already validated the header; revoke the exact token it saw.
	if token, err := extractTokenFromHeader(r.Header.Get("Authorization")); err == nil && claims != nil {
		s.tokens.Revoke(token, claims.ExpiresAt.Time)
	}

	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.RefreshToken != "" {
		s.tokens.RevokeRefresh(req.RefreshToken)
	}

	respondJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// handleStates serves snapshot reads, the resync path for WebSocket clients
// that fell behind. ?sections=a,b filters; empty means everything.
func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	var sectionIDs []string
	if raw := r.URL.Query().Get("sections"); raw != "" {
		sectionIDs = splitList(raw)
	}

	states, err := s.states.SnapshotStates(r.Context(), sectionIDs)
	if err != nil {
		s.log.WithError(err).Error("Failed to snapshot states")
		respondError(w, http.StatusInternalServerError, "Failed to read states")
		return
	}

	respondJSON(w, http.StatusOK, states)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sectionID := mux.Vars(r)["sectionID"]

	state, err := s.states.GetState(r.Context(), sectionID)
	if err != nil {
		s.log.WithError(err).Error("Failed to read state")
		respondError(w, http.StatusInternalServerError, "Failed to read state")
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, "Section not found")
		return
	}

	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleLimiterStats(w http.ResponseWriter, r *http.Request) {
	if limiter, ok := s.limiter.(interface{ Stats() LimiterStats }); ok {
		respondJSON(w, http.StatusOK, limiter.Stats())
		return
	}
	respondJSON(w, http.StatusOK, LimiterStats{})
}

func (s *Server) handleOpsEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.Recent(r.Context(), 100)
	if err != nil {
		s.log.WithError(err).Error("Failed to read ops events")
		respondError(w, http.StatusInternalServerError, "Failed to read events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}

// WebSocket

// wsCommand is the client-to-server message. Each subscribe replaces the
// watched set.
type wsCommand struct {
	Action     string   `json:"action"`
	SectionIDs []string `json:"section_ids"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &wsClient{server: s, conn: conn}
	s.log.WithField("client_ip", getClientIP(r)).Info("WebSocket client connected")
	client.run(r.Context())
	s.log.WithField("client_ip", getClientIP(r)).Info("WebSocket client disconnected")
}

// wsClient owns one WebSocket connection and at most one bridge subscription.
// writeMu serializes writes: during a resubscribe the old pump can still be
// draining while the new one starts.
type wsClient struct {
	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu  sync.Mutex
	sub *BridgeSubscription
}

func (c *wsClient) run(ctx context.Context) {
	defer c.close()

	for {
		var cmd wsCommand
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.log.WithError(err).Debug("WebSocket read failed")
			}
			return
		}

		switch cmd.Action {
		case "subscribe":
			if err := c.subscribe(ctx, cmd.SectionIDs); err != nil {
				c.server.log.WithError(err).Warn("WebSocket subscribe failed")
				c.writeJSON(StateDelta{Kind: DeltaError, Reason: err.Error()})
			}
		default:
			c.writeJSON(StateDelta{Kind: DeltaError, Reason: fmt.Sprintf("unknown action %q", cmd.Action)})
		}
	}
}

// subscribe swaps in a fresh subscription for the requested sections and
// tears down the previous one.
func (c *wsClient) subscribe(ctx context.Context, sectionIDs []string) error {
	sub, err := c.server.bridge.Subscribe(ctx, sectionIDs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.sub
	c.sub = sub
	c.mu.Unlock()

	if old != nil {
		old.Unsubscribe()
	}

	go c.pump(sub)
	return nil
}

// pump forwards deltas to the connection until the subscription closes.
func (c *wsClient) pump(sub *BridgeSubscription) {
	for delta := range sub.Deltas() {
		if err := c.writeJSON(delta); err != nil {
			sub.Unsubscribe()
			return
		}
	}
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) close() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	c.conn.Close()
}
