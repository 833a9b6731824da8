// Package license holds the plan limits and the rules for issuing,
// revoking and validating CLI license keys. Persistence lives in identity.
package license

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PlanType string

const (
	PlanBasic   PlanType = "basic"
	PlanPremium PlanType = "premium"
)

// ParsePlanType validates a plan name.
func ParsePlanType(s string) (PlanType, error) {
	switch PlanType(s) {
	case PlanBasic, PlanPremium:
		return PlanType(s), nil
	}
	return "", fmt.Errorf("invalid plan type %q", s)
}

// Limits are the per-plan quotas.
type Limits struct {
	MaxLicenses  int     `json:"max_licenses"`
	DurationDays int     `json:"duration_days"`
	Price        float64 `json:"price"`
}

var planLimits = map[PlanType]Limits{
	PlanBasic:   {MaxLicenses: 10, DurationDays: 30, Price: 0},
	PlanPremium: {MaxLicenses: 5, DurationDays: 30, Price: 29.99},
}

// LimitsFor returns the limits of pt. Unknown plans get the basic limits.
func LimitsFor(pt PlanType) Limits {
	if l, ok := planLimits[pt]; ok {
		return l
	}
	return planLimits[PlanBasic]
}

// PremiumTerm is how long an upgrade lasts.
const PremiumTerm = 365 * 24 * time.Hour

// DefaultDeviceName is used when a license is generated without one.
const DefaultDeviceName = "Unknown Device"

var (
	ErrLimitReached   = errors.New("maximum licenses reached")
	ErrNotFound       = errors.New("license key not found")
	ErrRevoked        = errors.New("license key has been revoked")
	ErrExpired        = errors.New("license key has expired")
	ErrDeviceMismatch = errors.New("license key is bound to another device")
)

// Plan is a user's subscription row.
type Plan struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"user_id"`
	PlanType    PlanType   `json:"plan_type"`
	MaxLicenses int        `json:"max_licenses"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// NewBasicPlan is the plan every verified user starts with.
func NewBasicPlan(userID int64) Plan {
	return Plan{
		ID:          uuid.NewString(),
		UserID:      userID,
		PlanType:    PlanBasic,
		MaxLicenses: LimitsFor(PlanBasic).MaxLicenses,
		IsActive:    true,
	}
}

// NeedsRepair reports a max_licenses left at 0 or 1 by older plan rows.
func (p Plan) NeedsRepair() bool {
	return p.MaxLicenses == 0 || p.MaxLicenses == 1
}

// Repaired returns p with max_licenses reset to its plan type's limit.
func (p Plan) Repaired() Plan {
	p.MaxLicenses = LimitsFor(p.PlanType).MaxLicenses
	return p
}

// Upgraded returns p moved to premium for PremiumTerm from now.
func (p Plan) Upgraded(now time.Time) Plan {
	expires := now.Add(PremiumTerm)
	p.PlanType = PlanPremium
	p.MaxLicenses = LimitsFor(PlanPremium).MaxLicenses
	p.ExpiresAt = &expires
	p.IsActive = true
	return p
}

// CanGenerate checks the plan quota against the user's active licenses.
func CanGenerate(p Plan, activeCount int) error {
	if activeCount >= p.MaxLicenses {
		return fmt.Errorf("%w for %s plan (%d)", ErrLimitReached, p.PlanType, p.MaxLicenses)
	}
	return nil
}

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// License is one issued key.
type License struct {
	ID         string    `json:"id"`
	Key        string    `json:"license_key"`
	UserID     int64     `json:"user_id"`
	PlanType   PlanType  `json:"plan_type"`
	DeviceName string    `json:"device_name"`
	MacAddress *string   `json:"mac_address"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsActive is derived from the status.
func (l License) IsActive() bool { return l.Status == StatusActive }

// MarshalJSON adds the derived key and is_active fields the dashboard reads.
func (l License) MarshalJSON() ([]byte, error) {
	type plain License
	return json.Marshal(struct {
		plain
		KeyAlias string `json:"key"`
		IsActive bool   `json:"is_active"`
	}{plain(l), l.Key, l.IsActive()})
}

// New issues a license for the plan. The quota is checked when it is stored.
func New(userID int64, p Plan, deviceName string, now time.Time) (License, error) {
	key, err := GenerateKey()
	if err != nil {
		return License{}, err
	}
	if strings.TrimSpace(deviceName) == "" {
		deviceName = DefaultDeviceName
	}
	return License{
		ID:         uuid.NewString(),
		Key:        key,
		UserID:     userID,
		PlanType:   p.PlanType,
		DeviceName: deviceName,
		Status:     StatusActive,
		CreatedAt:  now,
		ExpiresAt:  now.AddDate(0, 0, LimitsFor(p.PlanType).DurationDays),
	}, nil
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateKey returns a random key formatted XXXX-XXXX-XXXX-XXXX.
func GenerateKey() (string, error) {
	var b strings.Builder
	alphabetLen := big.NewInt(int64(len(keyAlphabet)))
	for seg := 0; seg < 4; seg++ {
		if seg > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, alphabetLen)
			if err != nil {
				return "", fmt.Errorf("generate license key: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// ValidKeyFormat reports whether s looks like a generated key.
func ValidKeyFormat(s string) bool {
	if len(s) != 19 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if i%5 == 4 {
			if s[i] != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(keyAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// NormalizeMAC lowercases a MAC address and uses ':' separators.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}

// Check applies the validation rules to l for a device. bind is true when
// the license has no device yet and should be bound to mac.
func Check(l *License, mac string, now time.Time) (bind bool, err error) {
	switch {
	case l == nil:
		return false, ErrNotFound
	case l.Status != StatusActive:
		return false, ErrRevoked
	case now.After(l.ExpiresAt):
		return false, ErrExpired
	}
	if l.MacAddress == nil || *l.MacAddress == "" {
		return true, nil
	}
	if NormalizeMAC(*l.MacAddress) != NormalizeMAC(mac) {
		return false, ErrDeviceMismatch
	}
	return false, nil
}

// Result is the body of a validation response.
type Result struct {
	IsValid bool   `json:"is_valid"`
	Message string `json:"message"`
}

// ResultFor turns the outcome of Check into a response.
func ResultFor(err error) Result {
	if err == nil {
		return Result{IsValid: true, Message: "License key is valid"}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return Result{Message: "Invalid license key"}
	case errors.Is(err, ErrRevoked), errors.Is(err, ErrExpired), errors.Is(err, ErrDeviceMismatch):
		return Result{Message: capitalize(err.Error())}
	}
	return Result{Message: "Failed to validate license key"}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Outcome is a short label for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	}
	return "error"
}
