package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"flawhunt-web/internal/license"
	"flawhunt-web/internal/logging"
	"flawhunt-web/internal/mailer"
	"flawhunt-web/internal/metrics"
	"flawhunt-web/internal/otp"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookieName = "flawhunt_session"
	defaultSessionTTL = 24 * time.Hour
	minPasswordLength = 6
)

// AuthManager handles authentication and authorization
type AuthManager struct {
	db         Database
	mailer     mailer.Mailer
	limiter    *otp.Limiter
	oauth      *OAuthVerifier
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an AuthManager.
type Option func(*AuthManager)

// WithSessionTTL sets how long sessions last.
func WithSessionTTL(ttl time.Duration) Option {
	return func(am *AuthManager) {
		if ttl > 0 {
			am.sessionTTL = ttl
		}
	}
}

// WithOAuthSecret enables the OAuth callback.
func WithOAuthSecret(secret string) Option {
	return func(am *AuthManager) {
		if secret != "" {
			am.oauth = NewOAuthVerifier(secret)
		}
	}
}

// WithLimiter replaces the resend limiter.
func WithLimiter(l *otp.Limiter) Option {
	return func(am *AuthManager) { am.limiter = l }
}

// NewAuthManager creates a new AuthManager
func NewAuthManager(database Database, m mailer.Mailer, logger *zap.Logger, opts ...Option) *AuthManager {
	am := &AuthManager{
		db:         database,
		mailer:     m,
		limiter:    otp.NewLimiter(),
		sessionTTL: defaultSessionTTL,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(am)
	}
	return am
}

// RunSessionCleanup removes expired sessions every interval until ctx is done.
func (am *AuthManager) RunSessionCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := am.db.DeleteExpiredSessions(ctx); err != nil {
				am.logger.Warn("Failed to delete expired sessions", zap.Error(err))
			}
		}
	}
}

// generateSessionToken generates a random session token
func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// startSession creates a session for user and sets the cookie.
func (am *AuthManager) startSession(w http.ResponseWriter, r *http.Request, user *User) error {
	token, err := generateSessionToken()
	if err != nil {
		return err
	}

	expiresAt := am.now().Add(am.sessionTTL)
	session := &Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		ExpiresAt: expiresAt,
	}
	if err := am.db.CreateSession(r.Context(), session); err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// issueCode stores a fresh code for email and mails it.
func (am *AuthManager) issueCode(ctx context.Context, email string, purpose mailer.Purpose) error {
	code, err := otp.Generate()
	if err != nil {
		return err
	}
	if err := am.db.SaveOTP(ctx, &OTPCode{
		Email:     email,
		CodeHash:  otp.Hash(code),
		ExpiresAt: am.now().Add(otp.CodeTTL),
	}); err != nil {
		return fmt.Errorf("save code: %w", err)
	}
	if err := am.mailer.SendCode(ctx, email, code, purpose); err != nil {
		return fmt.Errorf("send code: %w", err)
	}
	metrics.OTPSent.WithLabelValues(string(purpose)).Inc()
	return nil
}

// Signup creates an unverified account and mails a verification code
func (am *AuthManager) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}

	email := normalizeEmail(req.Email)
	username := strings.TrimSpace(req.Username)
	switch {
	case username == "" || email == "" || req.Password == "":
		writeError(w, http.StatusBadRequest, "username, email and password are required")
		return
	case !validEmail(email):
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	case req.Password != req.ConfirmPassword:
		writeError(w, http.StatusBadRequest, "passwords do not match")
		return
	case len(req.Password) < minPasswordLength:
		writeError(w, http.StatusBadRequest, "password must be at least 6 characters")
		return
	}

	existing, err := am.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		am.logger.Error("Failed to look up user", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if existing != nil {
		if existing.Verified {
			writeError(w, http.StatusConflict, "This email is already registered. Please sign in instead.")
		} else {
			writeError(w, http.StatusConflict, "This email is registered but not verified. Please verify your email.")
		}
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user := &User{
		Email:        email,
		Username:     username,
		PasswordHash: string(passwordHash),
	}
	if err := am.db.CreateUser(r.Context(), user); err != nil {
		am.logger.Error("Failed to create user", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	am.limiter.Reset(email)
	if err := am.issueCode(r.Context(), email, mailer.PurposeSignup); err != nil {
		am.logger.Error("Failed to issue verification code", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to send verification code")
		return
	}

	am.logger.Info("User signed up", zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Verification code sent. Check your email.",
		"email":   email,
	})
}

// VerifyOTP confirms an email address and signs the user in
func (am *AuthManager) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}

	email := normalizeEmail(req.Email)
	code := strings.TrimSpace(req.Code)
	if email == "" || code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	stored, err := am.db.GetOTP(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if stored == nil {
		writeError(w, http.StatusBadRequest, otp.ErrInvalidCode.Error())
		return
	}
	if err := otp.Verify(stored.CodeHash, stored.ExpiresAt, code, am.now()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := am.db.GetUserByEmail(r.Context(), email)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := am.db.DeleteOTP(r.Context(), email); err != nil {
		am.logger.Warn("Failed to delete used code", zap.Error(err))
	}
	if err := am.db.MarkUserVerified(r.Context(), user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	user.Verified = true
	am.limiter.Reset(email)

	if _, err := ensurePlan(r.Context(), am.db, user.ID); err != nil {
		am.logger.Error("Failed to create basic plan", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	if err := am.startSession(w, r, user); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": publicUser(user.ID, user.Email, user.Username),
	})
}

// ResendOTP mails a new code, subject to the escalating cooldown
func (am *AuthManager) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}

	email := normalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	user, err := am.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "no pending verification for this email")
		return
	}
	if user.Verified {
		writeError(w, http.StatusBadRequest, "email is already verified")
		return
	}

	if wait, err := am.limiter.Allow(email); errors.Is(err, otp.ErrCooldown) {
		metrics.OTPRejected.Inc()
		retryAfter := int(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       otp.WaitMessage(wait),
			"retry_after": retryAfter,
		})
		return
	}

	if err := am.issueCode(r.Context(), email, mailer.PurposeResend); err != nil {
		am.limiter.Undo(email)
		am.logger.Error("Failed to resend verification code", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to send verification code")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "OTP has been resent to your email"})
}

// Login authenticates a user and creates a session
func (am *AuthManager) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}

	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := am.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if user == nil || user.PasswordHash == "" {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !user.Verified {
		writeError(w, http.StatusForbidden, "email not verified")
		return
	}

	if err := am.startSession(w, r, user); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": publicUser(user.ID, user.Email, user.Username),
	})
}

// OAuthCallback signs in with the access token from the provider redirect
func (am *AuthManager) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if am.oauth == nil {
		writeError(w, http.StatusNotImplemented, "OAuth sign-in is not configured")
		return
	}

	var req OAuthCallbackRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}

	claims, err := am.oauth.Verify(req.AccessToken)
	if err != nil {
		am.logger.Warn("Rejected OAuth access token", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	email := normalizeEmail(claims.Email)
	user, err := am.db.GetUserByEmail(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	switch {
	case user == nil:
		user = &User{Email: email, Username: claims.DisplayName(), Verified: true}
		if err := am.db.CreateUser(r.Context(), user); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
		am.logger.Info("User created through OAuth", zap.Int64("user_id", user.ID))
	case !user.Verified:
		// the provider has verified the address
		if err := am.db.MarkUserVerified(r.Context(), user.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		user.Verified = true
	}

	if _, err := ensurePlan(r.Context(), am.db, user.ID); err != nil {
		am.logger.Error("Failed to ensure plan", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	if err := am.startSession(w, r, user); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": publicUser(user.ID, user.Email, user.Username),
	})
}

// Logout invalidates the current session
func (am *AuthManager) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		if err := am.db.DeleteSession(r.Context(), cookie.Value); err != nil {
			am.logger.Warn("Failed to delete session", zap.Error(err))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// CheckAuth reports the current session
func (am *AuthManager) CheckAuth(w http.ResponseWriter, r *http.Request) {
	session := am.GetSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"expires_at":    session.ExpiresAt,
		"user":          publicUser(session.UserID, session.Email, session.Username),
	})
}

// GetSession retrieves the current session from the cookie
func (am *AuthManager) GetSession(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	session, err := am.db.GetSessionByToken(r.Context(), cookie.Value)
	if err != nil {
		am.logger.Warn("Failed to load session", zap.Error(err))
		return nil
	}
	return session
}

// RequireAuth is middleware that requires a session
func (am *AuthManager) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := am.GetSession(r)
		if session == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		recordRequestUser(r.Context(), session.UserID)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), session)))
	})
}

// ensurePlan returns the user's plan, creating a basic one when missing
// and repairing a max_licenses of 0 or 1.
func ensurePlan(ctx context.Context, db Database, userID int64) (*license.Plan, error) {
	plan, err := db.GetPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		p := license.NewBasicPlan(userID)
		if err := db.CreatePlan(ctx, &p); err != nil {
			return nil, fmt.Errorf("create basic plan: %w", err)
		}
		return &p, nil
	}
	if plan.NeedsRepair() {
		repaired := plan.Repaired()
		if err := db.UpdatePlan(ctx, &repaired); err != nil {
			return plan, fmt.Errorf("repair plan: %w", err)
		}
		return &repaired, nil
	}
	return plan, nil
}
