package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"flawhunt-web/internal/backup"
	"flawhunt-web/internal/license"
	"flawhunt-web/internal/logging"
	"flawhunt-web/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// maxBackupBody bounds an uploaded backup.
const maxBackupBody = 32 << 20

// BackupManager serves chat backups and what is derived from them
type BackupManager struct {
	db     Database
	logger *zap.Logger
	now    func() time.Time
}

func NewBackupManager(database Database, logger *zap.Logger) *BackupManager {
	return &BackupManager{db: database, logger: logger, now: time.Now}
}

// IngestBackup stores a backup uploaded by the CLI. The device
// authenticates with its license key and MAC address.
func (bm *BackupManager) IngestBackup(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-License-Key"))
	mac := strings.TrimSpace(r.Header.Get("X-Mac-Address"))
	if key == "" || mac == "" {
		writeError(w, http.StatusUnauthorized, "X-License-Key and X-Mac-Address headers are required")
		return
	}

	// the body is checked first so a rejected upload never binds the license
	var req IngestBackupRequest
	if !decodeJSON(w, r, &req, maxBackupBody) {
		return
	}
	if !gjson.ParseBytes(req.ChatData).IsObject() {
		writeError(w, http.StatusBadRequest, "chat_data must be a JSON object")
		return
	}
	if len(req.Metadata) > 0 && !gjson.ValidBytes(req.Metadata) {
		writeError(w, http.StatusBadRequest, "metadata must be valid JSON")
		return
	}

	l, err := authorizeDevice(r.Context(), bm.db, key, mac, bm.now())
	if err != nil {
		if isValidationError(err) {
			bm.logger.Info("Rejected backup upload",
				zap.String("license_key", logging.Redact(key)),
				zap.Error(err))
			writeError(w, http.StatusUnauthorized, license.ResultFor(err).Message)
			return
		}
		bm.logger.Error("Failed to validate license", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	now := bm.now()
	size := int64(len(req.ChatData))
	count := len(backup.ParsePayload(req.ChatData, nil).Turns)
	normalizedMAC := license.NormalizeMAC(mac)

	rec := &backup.Record{
		ID:                uuid.NewString(),
		UserID:            l.UserID,
		LicenseKey:        &l.Key,
		MacAddress:        &normalizedMAC,
		BackupTimestamp:   now,
		ChatData:          req.ChatData,
		Metadata:          req.Metadata,
		BackupSize:        &size,
		ConversationCount: &count,
		Status:            backup.StatusActive,
	}
	if device := strings.TrimSpace(req.DeviceName); device != "" {
		rec.DeviceName = &device
	}

	if err := bm.db.InsertBackup(r.Context(), rec); err != nil {
		bm.logger.Error("Failed to store backup", zap.Int64("user_id", l.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store backup")
		return
	}

	metrics.RecordBackup(rec.DeviceName != nil)
	bm.logger.Info("Backup stored",
		zap.Int64("user_id", l.UserID),
		zap.String("backup_id", rec.ID),
		zap.Int("conversations", count),
		zap.Int64("bytes", size))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":                 rec.ID,
		"backup_timestamp":   rec.BackupTimestamp,
		"backup_size":        size,
		"conversation_count": count,
		"status":             rec.Status,
	})
}

// parseBackupQuery reads the listing filters from the query string.
func parseBackupQuery(r *http.Request) (backup.Query, error) {
	v := r.URL.Query()

	sortBy, err := backup.ParseSortField(v.Get("sort_by"))
	if err != nil {
		return backup.Query{}, err
	}
	q := backup.Query{
		SortBy:     sortBy,
		DeviceName: strings.TrimSpace(v.Get("device_name")),
		Search:     v.Get("q"),
	}

	switch strings.ToLower(v.Get("order")) {
	case "", "desc":
	case "asc":
		q.Ascending = true
	default:
		return backup.Query{}, errors.New("order must be asc or desc")
	}

	if s := v.Get("status"); s != "" && s != "all" {
		if q.Status, err = backup.ParseStatus(s); err != nil {
			return backup.Query{}, err
		}
	}
	if s := v.Get("date_from"); s != "" {
		t, err := parseDate(s, false)
		if err != nil {
			return backup.Query{}, err
		}
		q.DateFrom = &t
	}
	if s := v.Get("date_to"); s != "" {
		t, err := parseDate(s, true)
		if err != nil {
			return backup.Query{}, err
		}
		q.DateTo = &t
	}
	return q, nil
}

// parseDate accepts RFC 3339 or a plain date. A plain date_to covers the
// whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.New("dates must be YYYY-MM-DD or RFC 3339")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// ListBackups returns the caller's backups, filtered and sorted
func (bm *BackupManager) ListBackups(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())

	q, err := parseBackupQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view := backup.NewView(bm.db, session.UserID)
	view.SetQuery(q)
	if !bm.refresh(w, r, view) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"backups": view.Records(),
		"devices": view.Devices(),
	})
}

// UpdateBackupStatus archives, deletes or restores a backup
func (bm *BackupManager) UpdateBackupStatus(w http.ResponseWriter, r *http.Request) {
	session := SessionFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req UpdateBackupStatusRequest
	if !decodeJSON(w, r, &req, 0) {
		return
	}
	status, err := backup.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := bm.db.UpdateBackupStatus(r.Context(), session.UserID, id, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update backup")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": status})
}

// Stats summarizes all of the caller's backups
func (bm *BackupManager) Stats(w http.ResponseWriter, r *http.Request) {
	view, ok := bm.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.Stats())
}

// DeviceStats summarizes the caller's backups per device
func (bm *BackupManager) DeviceStats(w http.ResponseWriter, r *http.Request) {
	view, ok := bm.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": view.DeviceStats()})
}

// Threads rebuilds conversations from the caller's backups
func (bm *BackupManager) Threads(w http.ResponseWriter, r *http.Request) {
	view, ok := bm.load(w, r)
	if !ok {
		return
	}

	// an empty device means every device
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threads": view.Threads(r.URL.Query().Get("device"), r.URL.Query().Get("q")),
		"devices": view.Devices(),
	})
}

// Analytics aggregates usage over the requested range
func (bm *BackupManager) Analytics(w http.ResponseWriter, r *http.Request) {
	tr, err := backup.ParseTimeRange(r.URL.Query().Get("range"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, ok := bm.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, view.Analytics(tr, bm.now()))
}

// load fetches every backup of the caller.
func (bm *BackupManager) load(w http.ResponseWriter, r *http.Request) (*backup.View, bool) {
	view := backup.NewView(bm.db, SessionFromContext(r.Context()).UserID)
	return view, bm.refresh(w, r, view)
}

func (bm *BackupManager) refresh(w http.ResponseWriter, r *http.Request, view *backup.View) bool {
	if err := view.Refresh(r.Context()); err != nil {
		bm.logger.Error("Failed to fetch backups", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch chat backups")
		return false
	}
	return true
}
