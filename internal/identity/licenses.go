package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"flawhunt-web/internal/license"
	"flawhunt-web/internal/logging"
	"flawhunt-web/internal/metrics"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// LicenseManager serves plans and license keys
type LicenseManager struct {
	db     Database
	logger *zap.Logger
	now    func() time.Time
}

func NewLicenseManager(database Database, logger *zap.Logger) *LicenseManager {
	return &LicenseManager{db: database, logger: logger, now: time.Now}
}

// GetPlan returns the caller's plan, creating a basic one when missing
func (lm *LicenseManager) GetPlan(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())

	plan, err := ensurePlan(r.Context(), lm.db, session.UserID)
	if err != nil {
		lm.logger.Error("Failed to load plan", zap.Int64("user_id", session.UserID), zap.Error(err))
		if plan == nil {
			writeError(w, http.StatusInternalServerError, "failed to load plan")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan":   plan,
		"limits": license.LimitsFor(plan.PlanType),
	})
}

// UpgradePlan moves the caller to premium. No payment is taken.
func (lm *LicenseManager) UpgradePlan(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())

	plan, err := ensurePlan(r.Context(), lm.db, session.UserID)
	if err != nil && plan == nil {
		writeError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}

	upgraded := plan.Upgraded(lm.now())
	if err := lm.db.UpdatePlan(r.Context(), &upgraded); err != nil {
		lm.logger.Error("Failed to upgrade plan", zap.Int64("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to upgrade plan")
		return
	}

	lm.logger.Info("Plan upgraded", zap.Int64("user_id", session.UserID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": upgraded})
}

// ListLicenses returns the caller's keys, newest first
func (lm *LicenseManager) ListLicenses(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())

	licenses, err := lm.db.ListLicenses(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"licenses": licenses})
}

// GenerateLicense issues a key if the plan quota allows it
func (lm *LicenseManager) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())

	var req GenerateLicenseRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req, 0) {
		return
	}

	plan, err := ensurePlan(r.Context(), lm.db, session.UserID)
	if err != nil && plan == nil {
		writeError(w, http.StatusInternalServerError, "failed to load plan")
		return
	}

	l, err := license.New(session.UserID, *plan, req.DeviceName, lm.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate license")
		return
	}
	if err := lm.db.CreateLicense(r.Context(), &l, plan.MaxLicenses); err != nil {
		if errors.Is(err, license.ErrLimitReached) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		lm.logger.Error("Failed to store license", zap.Int64("user_id", session.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate license")
		return
	}

	metrics.LicensesGenerated.WithLabelValues(string(plan.PlanType)).Inc()
	lm.logger.Info("License generated",
		zap.Int64("user_id", session.UserID),
		zap.String("license_key", logging.Redact(l.Key)))
	writeJSON(w, http.StatusCreated, map[string]interface{}{"license": l})
}

// RevokeLicense revokes one of the caller's keys
func (lm *LicenseManager) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ok, err := lm.db.RevokeLicense(r.Context(), session.UserID, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke license")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "license not found")
		return
	}

	metrics.LicensesRevoked.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ValidateLicense checks a key for a device, binding it on first use
func (lm *LicenseManager) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateLicenseRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	if strings.TrimSpace(req.LicenseKey) == "" || strings.TrimSpace(req.MacAddress) == "" {
		writeError(w, http.StatusBadRequest, "license_key and mac_address are required")
		return
	}

	_, err := authorizeDevice(r.Context(), lm.db, req.LicenseKey, req.MacAddress, lm.now())
	if err != nil && !isValidationError(err) {
		lm.logger.Error("Failed to validate license", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, license.ResultFor(err))
}

func isValidationError(err error) bool {
	return errors.Is(err, license.ErrNotFound) ||
		errors.Is(err, license.ErrRevoked) ||
		errors.Is(err, license.ErrExpired) ||
		errors.Is(err, license.ErrDeviceMismatch)
}

// authorizeDevice validates key for mac and binds an unbound license.
// The returned error wraps one of the license sentinels when the key is
// rejected.
func authorizeDevice(ctx context.Context, db Database, key, mac string, now time.Time) (*license.License, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	mac = license.NormalizeMAC(mac)

	l, err := lookupLicense(ctx, db, key)
	if err != nil {
		return nil, err
	}

	bind, err := license.Check(l, mac, now)
	if err == nil && bind {
		var bound bool
		bound, err = db.BindLicenseMAC(ctx, l.ID, mac)
		if err != nil {
			return nil, err
		}
		if !bound {
			// another device bound it first
			if l, err = lookupLicense(ctx, db, key); err != nil {
				return nil, err
			}
			_, err = license.Check(l, mac, now)
		} else {
			l.MacAddress = &mac
		}
	}

	metrics.LicenseValidations.WithLabelValues(license.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return l, nil
}

func lookupLicense(ctx context.Context, db Database, key string) (*license.License, error) {
	if !license.ValidKeyFormat(key) {
		return nil, nil
	}
	return db.GetLicenseByKey(ctx, key)
}
