package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"flawhunt-web/internal/backup"
	"flawhunt-web/internal/license"
)

type MockDatabase struct {
	mu            sync.Mutex
	users         map[int64]*User
	usersByEmail  map[string]*User
	sessions      map[string]*Session
	otps          map[string]*OTPCode
	plans         map[int64]*license.Plan
	licenses      []*license.License
	backups       []*backup.Record
	nextUserID    int64
	nextSessionID int64

	// failBackups makes ListBackups fail
	failBackups bool
}

func NewMockDatabase() *MockDatabase {
	return &MockDatabase{
		users:         make(map[int64]*User),
		usersByEmail:  make(map[string]*User),
		sessions:      make(map[string]*Session),
		otps:          make(map[string]*OTPCode),
		plans:         make(map[int64]*license.Plan),
		nextUserID:    1,
		nextSessionID: 1,
	}
}

func (m *MockDatabase) Close() error                   { return nil }
func (m *MockDatabase) Ping(ctx context.Context) error { return nil }

func (m *MockDatabase) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.usersByEmail[user.Email]; ok {
		return errors.New("duplicate email")
	}
	user.ID = m.nextUserID
	m.nextUserID++
	user.CreatedAt = time.Now()
	u := *user
	m.users[u.ID] = &u
	m.usersByEmail[u.Email] = &u
	return nil
}

func (m *MockDatabase) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usersByEmail[email]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *MockDatabase) GetUserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *MockDatabase) MarkUserVerified(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.Verified = true
	}
	return nil
}

func (m *MockDatabase) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session.ID = m.nextSessionID
	m.nextSessionID++
	session.CreatedAt = time.Now()
	s := *session
	m.sessions[s.Token] = &s
	return nil
}

func (m *MockDatabase) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	c := *s
	return &c, nil
}

func (m *MockDatabase) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *MockDatabase) DeleteExpiredSessions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for token, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, token)
		}
	}
	return nil
}

func (m *MockDatabase) SaveOTP(ctx context.Context, code *OTPCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code.CreatedAt = time.Now()
	c := *code
	m.otps[c.Email] = &c
	return nil
}

func (m *MockDatabase) GetOTP(ctx context.Context, email string) (*OTPCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.otps[email]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *MockDatabase) DeleteOTP(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.otps, email)
	return nil
}

func (m *MockDatabase) GetPlan(ctx context.Context, userID int64) (*license.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[userID]; ok {
		c := *p
		return &c, nil
	}
	return nil, nil
}

func (m *MockDatabase) CreatePlan(ctx context.Context, plan *license.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan.CreatedAt = time.Now()
	p := *plan
	m.plans[p.UserID] = &p
	return nil
}

func (m *MockDatabase) UpdatePlan(ctx context.Context, plan *license.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *plan
	m.plans[p.UserID] = &p
	return nil
}

func (m *MockDatabase) CreateLicense(ctx context.Context, l *license.License, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := license.CanGenerate(license.Plan{PlanType: l.PlanType, MaxLicenses: maxActive}, m.countActive(l.UserID)); err != nil {
		return err
	}
	c := *l
	m.licenses = append(m.licenses, &c)
	return nil
}

func (m *MockDatabase) ListLicenses(ctx context.Context, userID int64) ([]license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []license.License{}
	for i := len(m.licenses) - 1; i >= 0; i-- {
		if m.licenses[i].UserID == userID {
			out = append(out, *m.licenses[i])
		}
	}
	return out, nil
}

func (m *MockDatabase) CountActiveLicenses(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActive(userID), nil
}

func (m *MockDatabase) countActive(userID int64) int {
	n := 0
	for _, l := range m.licenses {
		if l.UserID == userID && l.Status == license.StatusActive {
			n++
		}
	}
	return n
}

func (m *MockDatabase) GetLicenseByKey(ctx context.Context, key string) (*license.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.licenses {
		if l.Key == key {
			c := *l
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MockDatabase) RevokeLicense(ctx context.Context, userID int64, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.licenses {
		if l.ID == id && l.UserID == userID {
			l.Status = license.StatusRevoked
			return true, nil
		}
	}
	return false, nil
}

func (m *MockDatabase) BindLicenseMAC(ctx context.Context, id, mac string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.licenses {
		if l.ID == id && l.MacAddress == nil {
			l.MacAddress = &mac
			return true, nil
		}
	}
	return false, nil
}

func (m *MockDatabase) InsertBackup(ctx context.Context, rec *backup.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	c := *rec
	m.backups = append(m.backups, &c)
	return nil
}

func (m *MockDatabase) ListBackups(ctx context.Context, userID int64, q backup.Query) ([]backup.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBackups {
		return nil, errors.New("connection refused")
	}

	q = q.Normalize()
	search := strings.ToLower(q.Search)
	out := []backup.Record{}
	for _, r := range m.backups {
		switch {
		case r.UserID != userID:
			continue
		case q.Status != "" && r.Status != q.Status:
			continue
		case q.DeviceName != "" && (r.DeviceName == nil || *r.DeviceName != q.DeviceName):
			continue
		case q.DateFrom != nil && r.BackupTimestamp.Before(*q.DateFrom):
			continue
		case q.DateTo != nil && r.BackupTimestamp.After(*q.DateTo):
			continue
		}
		if search != "" {
			device, key := "", ""
			if r.DeviceName != nil {
				device = strings.ToLower(*r.DeviceName)
			}
			if r.LicenseKey != nil {
				key = strings.ToLower(*r.LicenseKey)
			}
			if !strings.Contains(device, search) && !strings.Contains(key, search) {
				continue
			}
		}
		out = append(out, *r)
	}

	// only backup_timestamp ordering is needed by the tests
	sort.SliceStable(out, func(i, j int) bool {
		if q.Ascending {
			return out[i].BackupTimestamp.Before(out[j].BackupTimestamp)
		}
		return out[i].BackupTimestamp.After(out[j].BackupTimestamp)
	})
	return out, nil
}

func (m *MockDatabase) UpdateBackupStatus(ctx context.Context, userID int64, id string, status backup.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.backups {
		if r.ID == id && r.UserID == userID {
			r.Status = status
			r.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

// addBackup stores a record directly, bypassing ingestion.
func (m *MockDatabase) addBackup(r backup.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, &r)
}
