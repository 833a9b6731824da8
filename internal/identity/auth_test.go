package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"flawhunt-web/internal/license"
	"flawhunt-web/internal/mailer"
	"flawhunt-web/internal/otp"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// captureMailer keeps the last code sent to each address.
type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
	err   error
}

func newCaptureMailer() *captureMailer {
	return &captureMailer{codes: make(map[string]string)}
}

func (c *captureMailer) SendCode(ctx context.Context, to, code string, purpose mailer.Purpose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.codes[to] = code
	c.sent++
	return nil
}

func (c *captureMailer) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *captureMailer) code(to string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[to]
}

func doJSON(h http.HandlerFunc, method, path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func sessionCookie(rr *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

// createVerifiedUser stores a verified user with a password and returns it.
func createVerifiedUser(t *testing.T, db *MockDatabase, email, password string) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	user := &User{Email: email, Username: "tester", PasswordHash: string(hash), Verified: true}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	return user
}

// loginAs creates a session for user and returns its cookie.
func loginAs(t *testing.T, db *MockDatabase, user *User) *http.Cookie {
	t.Helper()
	token, err := generateSessionToken()
	if err != nil {
		t.Fatal(err)
	}
	db.CreateSession(context.Background(), &Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Username:  user.Username,
		ExpiresAt: time.Now().Add(time.Hour),
	})
	return &http.Cookie{Name: sessionCookieName, Value: token}
}

func signupRequest(email string) SignupRequest {
	return SignupRequest{
		Username:        "hunter",
		Email:           email,
		Password:        "s3cret!",
		ConfirmPassword: "s3cret!",
	}
}

func TestSignupAndVerify(t *testing.T) {
	db := NewMockDatabase()
	m := newCaptureMailer()
	am := NewAuthManager(db, m, zap.NewNop())

	rr := doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest(" Hunter@Example.com "))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	user, _ := db.GetUserByEmail(context.Background(), "hunter@example.com")
	if user == nil {
		t.Fatal("expected user to be created")
	}
	if user.Verified {
		t.Error("new user must not be verified")
	}

	code := m.code("hunter@example.com")
	if len(code) != 6 {
		t.Fatalf("expected a 6 digit code, got %q", code)
	}
	stored, _ := db.GetOTP(context.Background(), "hunter@example.com")
	if stored == nil || stored.CodeHash == code || stored.CodeHash != otp.Hash(code) {
		t.Fatal("expected the code to be stored hashed")
	}

	t.Run("WrongCode", func(t *testing.T) {
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		rr := doJSON(am.VerifyOTP, "POST", "/api/v1/auth/verify", VerifyRequest{Email: "hunter@example.com", Code: wrong})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("CorrectCode", func(t *testing.T) {
		rr := doJSON(am.VerifyOTP, "POST", "/api/v1/auth/verify", VerifyRequest{Email: "hunter@example.com", Code: code})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if sessionCookie(rr) == nil {
			t.Error("session cookie not found")
		}

		user, _ := db.GetUserByEmail(context.Background(), "hunter@example.com")
		if !user.Verified {
			t.Error("expected user to be verified")
		}
		plan, _ := db.GetPlan(context.Background(), user.ID)
		if plan == nil || plan.PlanType != license.PlanBasic || plan.MaxLicenses != 10 {
			t.Errorf("expected a basic plan, got %+v", plan)
		}
	})

	t.Run("CodeIsSingleUse", func(t *testing.T) {
		rr := doJSON(am.VerifyOTP, "POST", "/api/v1/auth/verify", VerifyRequest{Email: "hunter@example.com", Code: code})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})
}

func TestSignupValidation(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())

	mismatch := signupRequest("a@example.com")
	mismatch.ConfirmPassword = "other"
	short := signupRequest("b@example.com")
	short.Password, short.ConfirmPassword = "abc", "abc"
	badEmail := signupRequest("not-an-email")

	tests := []struct {
		name string
		req  SignupRequest
	}{
		{"PasswordMismatch", mismatch},
		{"ShortPassword", short},
		{"InvalidEmail", badEmail},
		{"MissingFields", SignupRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(am.Signup, "POST", "/api/v1/auth/signup", tt.req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
		})
	}
}

func TestSignupExistingEmail(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())

	createVerifiedUser(t, db, "done@example.com", "password")
	db.CreateUser(context.Background(), &User{Email: "pending@example.com", Username: "p"})

	rr := doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest("done@example.com"))
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "already registered") {
		t.Errorf("expected 409 already registered, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest("pending@example.com"))
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "not verified") {
		t.Errorf("expected 409 not verified, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestVerifyExpiredCode(t *testing.T) {
	db := NewMockDatabase()
	m := newCaptureMailer()
	am := NewAuthManager(db, m, zap.NewNop())

	base := time.Now()
	am.now = func() time.Time { return base }
	doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest("late@example.com"))

	am.now = func() time.Time { return base.Add(otp.CodeTTL + time.Second) }
	rr := doJSON(am.VerifyOTP, "POST", "/api/v1/auth/verify", VerifyRequest{Email: "late@example.com", Code: m.code("late@example.com")})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestResendCooldown(t *testing.T) {
	db := NewMockDatabase()
	m := newCaptureMailer()
	am := NewAuthManager(db, m, zap.NewNop())

	doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest("again@example.com"))

	rr := doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "again@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if m.sent != 2 {
		t.Errorf("expected 2 mails, got %d", m.sent)
	}

	stored, _ := db.GetOTP(context.Background(), "again@example.com")
	if stored.CodeHash != otp.Hash(m.code("again@example.com")) {
		t.Error("resend must replace the stored code")
	}

	rr = doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "AGAIN@example.com"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error"] != "Please wait 30s before requesting another OTP" {
		t.Errorf("unexpected message %v", body["error"])
	}
	if body["retry_after"] != float64(30) {
		t.Errorf("expected retry_after 30, got %v", body["retry_after"])
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("expected Retry-After header 30, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestResendMailFailureDoesNotStartCooldown(t *testing.T) {
	db := NewMockDatabase()
	m := newCaptureMailer()
	am := NewAuthManager(db, m, zap.NewNop())

	doJSON(am.Signup, "POST", "/api/v1/auth/signup", signupRequest("flaky@example.com"))

	m.fail(errors.New("smtp unavailable"))
	rr := doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "flaky@example.com"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}

	m.fail(nil)
	rr = doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "flaky@example.com"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected immediate retry to succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	// the failed send did not advance the ladder
	rr = doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "flaky@example.com"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("expected Retry-After 30, got %q", rr.Header().Get("Retry-After"))
	}
}

func TestResendUnknownOrVerified(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())
	createVerifiedUser(t, db, "done@example.com", "password")

	rr := doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "ghost@example.com"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	rr = doJSON(am.ResendOTP, "POST", "/api/v1/auth/resend", ResendRequest{Email: "done@example.com"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestLogin(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())

	createVerifiedUser(t, db, "admin@example.com", "password123")
	hash, _ := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	db.CreateUser(context.Background(), &User{Email: "new@example.com", Username: "n", PasswordHash: string(hash)})

	tests := []struct {
		name     string
		req      LoginRequest
		expected int
	}{
		{"Valid", LoginRequest{Email: "Admin@Example.com", Password: "password123"}, http.StatusOK},
		{"WrongPassword", LoginRequest{Email: "admin@example.com", Password: "nope"}, http.StatusUnauthorized},
		{"UnknownUser", LoginRequest{Email: "ghost@example.com", Password: "password123"}, http.StatusUnauthorized},
		{"Unverified", LoginRequest{Email: "new@example.com", Password: "password123"}, http.StatusForbidden},
		{"Missing", LoginRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(am.Login, "POST", "/api/v1/auth/login", tt.req)
			if rr.Code != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, rr.Code)
			}
			if tt.expected == http.StatusOK && sessionCookie(rr) == nil {
				t.Error("session cookie not found")
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())
	user := createVerifiedUser(t, db, "admin@example.com", "password123")
	cookie := loginAs(t, db, user)

	rr := doJSON(am.CheckAuth, "GET", "/api/v1/auth/session", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without cookie, got %d", rr.Code)
	}

	rr = doJSON(am.CheckAuth, "GET", "/api/v1/auth/session", nil, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if u, _ := body["user"].(map[string]interface{}); u["email"] != "admin@example.com" {
		t.Errorf("unexpected user %v", body["user"])
	}

	rr = doJSON(am.Logout, "POST", "/api/v1/auth/logout", nil, cookie)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if s, _ := db.GetSessionByToken(context.Background(), cookie.Value); s != nil {
		t.Error("expected session to be deleted")
	}
}

func TestRequireAuth(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())
	user := createVerifiedUser(t, db, "admin@example.com", "password123")

	var seen *Session
	h := am.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/v1/plan", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/plan", nil)
	req.AddCookie(loginAs(t, db, user))
	ctx := WithRequestUser(req.Context())
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(ctx))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if seen == nil || seen.UserID != user.ID {
		t.Errorf("expected session of user %d, got %+v", user.ID, seen)
	}
	if RequestUserID(ctx) != user.ID {
		t.Errorf("expected request user %d, got %d", user.ID, RequestUserID(ctx))
	}
}

func TestSessionCleanup(t *testing.T) {
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop())
	db.CreateSession(context.Background(), &Session{Token: "old", UserID: 1, ExpiresAt: time.Now().Add(-time.Minute)})
	db.CreateSession(context.Background(), &Session{Token: "live", UserID: 1, ExpiresAt: time.Now().Add(time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		am.RunSessionCleanup(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		db.mu.Lock()
		_, stale := db.sessions["old"]
		db.mu.Unlock()
		if !stale {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired session was not removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if s, _ := db.GetSessionByToken(context.Background(), "live"); s == nil {
		t.Error("live session must be kept")
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestOAuthCallback(t *testing.T) {
	const secret = "oauth-test-secret"
	db := NewMockDatabase()
	am := NewAuthManager(db, newCaptureMailer(), zap.NewNop(), WithOAuthSecret(secret))

	token := signToken(t, secret, jwt.MapClaims{
		"sub":           "provider-user-1",
		"email":         "OAuth@Example.com",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]interface{}{"full_name": "Octo Cat"},
	})

	rr := doJSON(am.OAuthCallback, "POST", "/api/v1/auth/oauth/callback", OAuthCallbackRequest{AccessToken: token})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if sessionCookie(rr) == nil {
		t.Error("session cookie not found")
	}

	user, _ := db.GetUserByEmail(context.Background(), "oauth@example.com")
	if user == nil || !user.Verified || user.Username != "Octo Cat" {
		t.Fatalf("expected a verified OAuth user, got %+v", user)
	}
	if plan, _ := db.GetPlan(context.Background(), user.ID); plan == nil {
		t.Error("expected a plan to be created")
	}

	// a second sign-in reuses the account
	rr = doJSON(am.OAuthCallback, "POST", "/api/v1/auth/oauth/callback", OAuthCallbackRequest{AccessToken: token})
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(db.users) != 1 {
		t.Errorf("expected 1 user, got %d", len(db.users))
	}

	t.Run("BadSignature", func(t *testing.T) {
		forged := signToken(t, "other-secret", jwt.MapClaims{
			"sub": "x", "email": "x@example.com", "exp": time.Now().Add(time.Hour).Unix(),
		})
		rr := doJSON(am.OAuthCallback, "POST", "/api/v1/auth/oauth/callback", OAuthCallbackRequest{AccessToken: forged})
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("NotConfigured", func(t *testing.T) {
		plain := NewAuthManager(db, newCaptureMailer(), zap.NewNop())
		rr := doJSON(plain.OAuthCallback, "POST", "/api/v1/auth/oauth/callback", OAuthCallbackRequest{AccessToken: token})
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("expected 501, got %d", rr.Code)
		}
	})
}

func TestOAuthVerifierRejectsMissingClaims(t *testing.T) {
	v := NewOAuthVerifier("secret")

	noExp := signToken(t, "secret", jwt.MapClaims{"sub": "a", "email": "a@example.com"})
	if _, err := v.Verify(noExp); err == nil {
		t.Error("expected error for token without exp")
	}

	noEmail := signToken(t, "secret", jwt.MapClaims{"sub": "a", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := v.Verify(noEmail); err == nil {
		t.Error("expected error for token without email")
	}

	expired := signToken(t, "secret", jwt.MapClaims{"sub": "a", "email": "a@example.com", "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := v.Verify(expired); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestDisplayName(t *testing.T) {
	c := &OAuthClaims{Email: "someone@example.com"}
	if got := c.DisplayName(); got != "someone" {
		t.Errorf("expected email local part, got %q", got)
	}
	c.UserMetadata.FullName = "Some One"
	if got := c.DisplayName(); got != "Some One" {
		t.Errorf("expected full name, got %q", got)
	}
	c.UserMetadata.Username = "some1"
	if got := c.DisplayName(); got != "some1" {
		t.Errorf("expected username, got %q", got)
	}
}

func TestEnsurePlanRepairsLimits(t *testing.T) {
	db := NewMockDatabase()
	ctx := context.Background()

	db.CreatePlan(ctx, &license.Plan{ID: "p", UserID: 7, PlanType: license.PlanBasic, MaxLicenses: 1, IsActive: true})
	plan, err := ensurePlan(ctx, db, 7)
	if err != nil {
		t.Fatal(err)
	}
	if plan.MaxLicenses != 10 {
		t.Errorf("expected repaired max 10, got %d", plan.MaxLicenses)
	}
	stored, _ := db.GetPlan(ctx, 7)
	if stored.MaxLicenses != 10 {
		t.Errorf("expected repair to be stored, got %d", stored.MaxLicenses)
	}

	plan, err = ensurePlan(ctx, db, 8)
	if err != nil || plan == nil || plan.PlanType != license.PlanBasic {
		t.Errorf("expected new basic plan, got %+v, %v", plan, err)
	}
}
