package identity

import (
	"encoding/json"
	"time"
)

// User represents a dashboard account
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // empty for accounts created through OAuth
	Verified     bool      `json:"verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session represents an authenticated session
type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// OTPCode is the pending verification code of an email address
type OTPCode struct {
	Email     string
	CodeHash  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SignupRequest represents an account creation request
type SignupRequest struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// VerifyRequest carries the code from the verification email
type VerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type ResendRequest struct {
	Email string `json:"email"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// OAuthCallbackRequest carries the access token from the provider redirect
type OAuthCallbackRequest struct {
	AccessToken string `json:"access_token"`
}

type GenerateLicenseRequest struct {
	DeviceName string `json:"device_name"`
}

type ValidateLicenseRequest struct {
	LicenseKey string `json:"license_key"`
	MacAddress string `json:"mac_address"`
}

// IngestBackupRequest is the body the CLI uploads
type IngestBackupRequest struct {
	DeviceName string          `json:"device_name"`
	ChatData   json.RawMessage `json:"chat_data"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type UpdateBackupStatusRequest struct {
	Status string `json:"status"`
}

// publicUser is the user object returned to the dashboard
func publicUser(id int64, email, username string) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"email":    email,
		"username": username,
	}
}
