package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"flawhunt-web/internal/backup"
	"flawhunt-web/internal/license"

	_ "github.com/lib/pq"
)

// Database interface defines all database operations of the dashboard.
// Lookups return (nil, nil) when nothing matches.
type Database interface {
	Close() error
	Ping(ctx context.Context) error

	// User operations
	CreateUser(ctx context.Context, user *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	MarkUserVerified(ctx context.Context, id int64) error

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSessionByToken(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error

	// Verification codes, one pending code per email
	SaveOTP(ctx context.Context, code *OTPCode) error
	GetOTP(ctx context.Context, email string) (*OTPCode, error)
	DeleteOTP(ctx context.Context, email string) error

	// Plan operations
	GetPlan(ctx context.Context, userID int64) (*license.Plan, error)
	CreatePlan(ctx context.Context, plan *license.Plan) error
	UpdatePlan(ctx context.Context, plan *license.Plan) error

	// License operations
	// CreateLicense stores l unless its owner already holds maxActive
	// active keys, in which case it returns license.ErrLimitReached.
	CreateLicense(ctx context.Context, l *license.License, maxActive int) error
	ListLicenses(ctx context.Context, userID int64) ([]license.License, error)
	GetLicenseByKey(ctx context.Context, key string) (*license.License, error)
	RevokeLicense(ctx context.Context, userID int64, id string) (bool, error)
	BindLicenseMAC(ctx context.Context, id, mac string) (bool, error)

	// Backup operations
	InsertBackup(ctx context.Context, rec *backup.Record) error
	ListBackups(ctx context.Context, userID int64, q backup.Query) ([]backup.Record, error)
	UpdateBackupStatus(ctx context.Context, userID int64, id string, status backup.Status) (bool, error)
}

// PostgresDB implements the Database interface using PostgreSQL
type PostgresDB struct {
	db *sql.DB
}

// normalizeConnString disables SSL unless sslmode is given explicitly
func normalizeConnString(connString string) string {
	if strings.Contains(connString, "sslmode=") {
		return connString
	}

	if strings.HasPrefix(connString, "postgres://") || strings.HasPrefix(connString, "postgresql://") {
		parsed, err := url.Parse(connString)
		if err != nil {
			return connString + "?sslmode=disable"
		}
		query := parsed.Query()
		query.Set("sslmode", "disable")
		parsed.RawQuery = query.Encode()
		return parsed.String()
	}

	// key=value form
	return connString + " sslmode=disable"
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(ctx context.Context, connString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", normalizeConnString(connString))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &PostgresDB{db: db}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// Close closes the database connection
func (d *PostgresDB) Close() error {
	return d.db.Close()
}

func (d *PostgresDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *PostgresDB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		username TEXT NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id BIGSERIAL PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		username TEXT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS otp_codes (
		email TEXT PRIMARY KEY,
		code_hash TEXT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_plans (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		plan_type TEXT NOT NULL,
		max_licenses INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS license_keys (
		id TEXT PRIMARY KEY,
		license_key TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		plan_type TEXT NOT NULL,
		device_name TEXT NOT NULL,
		mac_address TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_license_keys_user_id ON license_keys(user_id);

	CREATE TABLE IF NOT EXISTS chat_backups (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		license_key TEXT,
		device_name TEXT,
		mac_address TEXT,
		backup_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		chat_data JSONB NOT NULL,
		metadata JSONB,
		backup_size BIGINT,
		conversation_count INTEGER,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chat_backups_user_ts ON chat_backups(user_id, backup_timestamp DESC);
	`

	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// User operations

func (d *PostgresDB) CreateUser(ctx context.Context, user *User) error {
	return d.db.QueryRowContext(ctx, `
		INSERT INTO users (email, username, password_hash, verified)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, user.Email, user.Username, user.PasswordHash, user.Verified).Scan(&user.ID, &user.CreatedAt)
}

func (d *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, verified, created_at
		FROM users
		WHERE email = $1
	`, email))
}

func (d *PostgresDB) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, `
		SELECT id, email, username, password_hash, verified, created_at
		FROM users
		WHERE id = $1
	`, id))
}

func (d *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash, &user.Verified, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *PostgresDB) MarkUserVerified(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, "UPDATE users SET verified = TRUE WHERE id = $1", id)
	return err
}

// Session operations

func (d *PostgresDB) CreateSession(ctx context.Context, session *Session) error {
	return d.db.QueryRowContext(ctx, `
		INSERT INTO sessions (token, user_id, email, username, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, session.Token, session.UserID, session.Email, session.Username, session.ExpiresAt).Scan(&session.ID, &session.CreatedAt)
}

func (d *PostgresDB) GetSessionByToken(ctx context.Context, token string) (*Session, error) {
	var session Session
	err := d.db.QueryRowContext(ctx, `
		SELECT id, token, user_id, email, username, expires_at, created_at
		FROM sessions
		WHERE token = $1 AND expires_at > NOW()
	`, token).Scan(&session.ID, &session.Token, &session.UserID, &session.Email, &session.Username, &session.ExpiresAt, &session.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (d *PostgresDB) DeleteSession(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = $1", token)
	return err
}

func (d *PostgresDB) DeleteExpiredSessions(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < NOW()")
	return err
}

// Verification codes

func (d *PostgresDB) SaveOTP(ctx context.Context, code *OTPCode) error {
	return d.db.QueryRowContext(ctx, `
		INSERT INTO otp_codes (email, code_hash, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET code_hash = EXCLUDED.code_hash, expires_at = EXCLUDED.expires_at, created_at = CURRENT_TIMESTAMP
		RETURNING created_at
	`, code.Email, code.CodeHash, code.ExpiresAt).Scan(&code.CreatedAt)
}

func (d *PostgresDB) GetOTP(ctx context.Context, email string) (*OTPCode, error) {
	var code OTPCode
	err := d.db.QueryRowContext(ctx, `
		SELECT email, code_hash, expires_at, created_at
		FROM otp_codes
		WHERE email = $1
	`, email).Scan(&code.Email, &code.CodeHash, &code.ExpiresAt, &code.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &code, nil
}

func (d *PostgresDB) DeleteOTP(ctx context.Context, email string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM otp_codes WHERE email = $1", email)
	return err
}

// Plan operations

func (d *PostgresDB) GetPlan(ctx context.Context, userID int64) (*license.Plan, error) {
	var p license.Plan
	err := d.db.QueryRowContext(ctx, `
		SELECT id, user_id, plan_type, max_licenses, is_active, created_at, expires_at
		FROM user_plans
		WHERE user_id = $1
	`, userID).Scan(&p.ID, &p.UserID, &p.PlanType, &p.MaxLicenses, &p.IsActive, &p.CreatedAt, &p.ExpiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *PostgresDB) CreatePlan(ctx context.Context, plan *license.Plan) error {
	return d.db.QueryRowContext(ctx, `
		INSERT INTO user_plans (id, user_id, plan_type, max_licenses, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, plan.ID, plan.UserID, plan.PlanType, plan.MaxLicenses, plan.IsActive, plan.ExpiresAt).Scan(&plan.CreatedAt)
}

func (d *PostgresDB) UpdatePlan(ctx context.Context, plan *license.Plan) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE user_plans
		SET plan_type = $2, max_licenses = $3, is_active = $4, expires_at = $5
		WHERE user_id = $1
	`, plan.UserID, plan.PlanType, plan.MaxLicenses, plan.IsActive, plan.ExpiresAt)
	return err
}

// License operations

const licenseColumns = "id, license_key, user_id, plan_type, device_name, mac_address, status, created_at, expires_at"

const countActiveLicensesQuery = "SELECT COUNT(*) FROM license_keys WHERE user_id = $1 AND status = 'active'"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*license.License, error) {
	var l license.License
	err := row.Scan(&l.ID, &l.Key, &l.UserID, &l.PlanType, &l.DeviceName, &l.MacAddress, &l.Status, &l.CreatedAt, &l.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLicense locks the owner's plan row so concurrent requests count
// and insert one at a time.
func (d *PostgresDB) CreateLicense(ctx context.Context, l *license.License, maxActive int) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT 1 FROM user_plans WHERE user_id = $1 FOR UPDATE", l.UserID); err != nil {
		return err
	}

	var active int
	if err := tx.QueryRowContext(ctx, countActiveLicensesQuery, l.UserID).Scan(&active); err != nil {
		return err
	}
	if err := license.CanGenerate(license.Plan{PlanType: l.PlanType, MaxLicenses: maxActive}, active); err != nil {
		return err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO license_keys (id, license_key, user_id, plan_type, device_name, mac_address, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, l.ID, l.Key, l.UserID, l.PlanType, l.DeviceName, l.MacAddress, l.Status, l.ExpiresAt).Scan(&l.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (d *PostgresDB) ListLicenses(ctx context.Context, userID int64) ([]license.License, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+licenseColumns+`
		FROM license_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses := []license.License{}
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, *l)
	}
	return licenses, rows.Err()
}

func (d *PostgresDB) GetLicenseByKey(ctx context.Context, key string) (*license.License, error) {
	l, err := scanLicense(d.db.QueryRowContext(ctx, "SELECT "+licenseColumns+" FROM license_keys WHERE license_key = $1", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (d *PostgresDB) RevokeLicense(ctx context.Context, userID int64, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "UPDATE license_keys SET status = 'revoked' WHERE id = $1 AND user_id = $2", id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BindLicenseMAC sets the device of an unbound license. It reports false
// when another device won the race.
func (d *PostgresDB) BindLicenseMAC(ctx context.Context, id, mac string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "UPDATE license_keys SET mac_address = $2 WHERE id = $1 AND mac_address IS NULL", id, mac)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Backup operations

func (d *PostgresDB) InsertBackup(ctx context.Context, rec *backup.Record) error {
	var metadata interface{}
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}
	// jsonb parameters go over the wire as text; lib/pq would send []byte as bytea.
	return d.db.QueryRowContext(ctx, `
		INSERT INTO chat_backups (id, user_id, license_key, device_name, mac_address, backup_timestamp,
			chat_data, metadata, backup_size, conversation_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, rec.ID, rec.UserID, rec.LicenseKey, rec.DeviceName, rec.MacAddress, rec.BackupTimestamp,
		string(rec.ChatData), metadata, rec.BackupSize, rec.ConversationCount, rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

// buildBackupListQuery renders the listing query for q. The sort column
// comes from a closed set, everything else is a bind parameter.
func buildBackupListQuery(userID int64, q backup.Query) (string, []interface{}) {
	q = q.Normalize()

	var sb strings.Builder
	sb.WriteString(`SELECT id, user_id, license_key, device_name, mac_address, backup_timestamp,
		chat_data, metadata, backup_size, conversation_count, status, created_at, updated_at
		FROM chat_backups
		WHERE user_id = $1`)
	args := []interface{}{userID}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		fmt.Fprintf(&sb, " AND "+clause, len(args))
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.DeviceName != "" {
		add("device_name = $%d", q.DeviceName)
	}
	if q.DateFrom != nil {
		add("backup_timestamp >= $%d", *q.DateFrom)
	}
	if q.DateTo != nil {
		add("backup_timestamp <= $%d", *q.DateTo)
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		n := len(args)
		fmt.Fprintf(&sb, " AND (device_name ILIKE $%d OR license_key ILIKE $%d)", n, n)
	}

	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	fmt.Fprintf(&sb, " ORDER BY %s %s NULLS LAST, created_at DESC", sortColumn(q.SortBy), dir)
	return sb.String(), args
}

func sortColumn(f backup.SortField) string {
	switch f {
	case backup.SortByConversationCount:
		return "conversation_count"
	case backup.SortByDeviceName:
		return "device_name"
	default:
		return "backup_timestamp"
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (d *PostgresDB) ListBackups(ctx context.Context, userID int64, q backup.Query) ([]backup.Record, error) {
	query, args := buildBackupListQuery(userID, q)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	records := []backup.Record{}
	for rows.Next() {
		var rec backup.Record
		var chatData, metadata []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.LicenseKey, &rec.DeviceName, &rec.MacAddress, &rec.BackupTimestamp,
			&chatData, &metadata, &rec.BackupSize, &rec.ConversationCount, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		rec.ChatData = chatData
		rec.Metadata = metadata
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (d *PostgresDB) UpdateBackupStatus(ctx context.Context, userID int64, id string, status backup.Status) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE chat_backups SET status = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID, string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
