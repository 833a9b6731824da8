// Package mailer delivers verification codes.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"flawhunt-web/internal/logging"

	"go.uber.org/zap"
)

// Purpose says why a code is being sent.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeResend Purpose = "resend"
)

// Mailer sends a verification code to an address.
type Mailer interface {
	SendCode(ctx context.Context, to, code string, purpose Purpose) error
}

// ConsoleMailer prints codes to a writer instead of sending mail. It is
// used when no mail endpoint is configured.
type ConsoleMailer struct {
	out    io.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

func NewConsoleMailer(out io.Writer, logger *zap.Logger) *ConsoleMailer {
	return &ConsoleMailer{out: out, logger: logger}
}

func (m *ConsoleMailer) SendCode(_ context.Context, to, code string, purpose Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := fmt.Fprintf(m.out, "verification code for %s (%s): %s\n", to, purpose, code); err != nil {
		return fmt.Errorf("write code: %w", err)
	}
	m.logger.Info("Verification code written to console",
		zap.String("email", logging.RedactEmail(to)),
		zap.String("purpose", string(purpose)))
	return nil
}

// HTTPMailer posts codes as JSON to a transactional mail endpoint.
type HTTPMailer struct {
	URL        string
	APIKey     string
	From       string
	HTTPClient *http.Client
	logger     *zap.Logger
}

func NewHTTPMailer(url, apiKey, from string, logger *zap.Logger) *HTTPMailer {
	return &HTTPMailer{
		URL:    url,
		APIKey: apiKey,
		From:   from,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

type sendRequest struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func subjectFor(purpose Purpose) string {
	if purpose == PurposeResend {
		return "Your new FlawHunt verification code"
	}
	return "Confirm your FlawHunt account"
}

func (m *HTTPMailer) SendCode(ctx context.Context, to, code string, purpose Purpose) error {
	body, err := json.Marshal(sendRequest{
		From:    m.From,
		To:      to,
		Subject: subjectFor(purpose),
		Text:    fmt.Sprintf("Your FlawHunt verification code is %s. It expires in 10 minutes.", code),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail API error (status %d): %s", resp.StatusCode, string(bodyBytes))
	}

	m.logger.Info("Verification code sent",
		zap.String("email", logging.RedactEmail(to)),
		zap.String("purpose", string(purpose)))
	return nil
}
