package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Config is the structure for the server configuration
type Config struct {
	ListeningPort  int         `json:"listening_port"`
	Logger         *zap.Logger `json:"-"` // Exclude from JSON
	ConfigFilePath string      `json:"-"` // Path to config file, excluded from JSON
	DatabaseURL    string      `json:"database_url"`
	WebDir         string      `json:"web_dir"`

	// OAuthJWTSecret verifies the access tokens handed back by the OAuth provider redirect.
	OAuthJWTSecret string `json:"oauth_jwt_secret,omitempty"`

	MailerURL    string `json:"mailer_url,omitempty"` // Empty prints codes to stdout
	MailerAPIKey string `json:"mailer_api_key,omitempty"`
	MailerFrom   string `json:"mailer_from,omitempty"`

	ReleaseRepo string `json:"release_repo,omitempty"` // owner/name on GitHub

	AuthRateLimit  int      `json:"auth_rate_limit"`
	AuthRateWindow Duration `json:"auth_rate_window"`
	SessionTTL     Duration `json:"session_ttl"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
}

// Duration handles both "90s"-style strings and plain numbers of seconds in JSON
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*d = 0
			return nil
		}
		val, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(val)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", string(b), err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
