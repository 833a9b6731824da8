package backup

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a stored backup.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusArchived, StatusDeleted:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid backup status %q", s)
}

// Record is one row of the chat_backups table.
type Record struct {
	ID                string          `json:"id"`
	UserID            int64           `json:"user_id"`
	LicenseKey        *string         `json:"license_key"`
	DeviceName        *string         `json:"device_name"`
	MacAddress        *string         `json:"mac_address"`
	BackupTimestamp   time.Time       `json:"backup_timestamp"`
	ChatData          json.RawMessage `json:"chat_data"`
	Metadata          json.RawMessage `json:"metadata"`
	BackupSize        *int64          `json:"backup_size"`
	ConversationCount *int            `json:"conversation_count"`
	Status            Status          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Device returns the device name or UnknownDevice.
func (r Record) Device() string {
	if r.DeviceName == nil || *r.DeviceName == "" {
		return UnknownDevice
	}
	return *r.DeviceName
}

// Payload parses the record's chat_data and metadata blobs.
func (r Record) Payload() Payload {
	return ParsePayload(r.ChatData, r.Metadata)
}

// Role of a reconstructed chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one side of a turn, as shown in the transcript view.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Thread is a conversation rebuilt from the turns of a single backup.
type Thread struct {
	SessionID  string    `json:"sessionId"`
	BackupID   string    `json:"backupId"`
	DeviceName string    `json:"deviceName,omitempty"`
	Messages   []Message `json:"messages"`
	Model      string    `json:"model"`
	StartTime  string    `json:"startTime"`
	Preview    string    `json:"preview"`
}

// SortField is a column the backup list can be ordered by.
type SortField string

const (
	SortByBackupTimestamp   SortField = "backup_timestamp"
	SortByConversationCount SortField = "conversation_count"
	SortByDeviceName        SortField = "device_name"
)

// ParseSortField validates a sort column, defaulting to backup_timestamp.
func ParseSortField(s string) (SortField, error) {
	switch SortField(s) {
	case "":
		return SortByBackupTimestamp, nil
	case SortByBackupTimestamp, SortByConversationCount, SortByDeviceName:
		return SortField(s), nil
	}
	return "", fmt.Errorf("invalid sort field %q", s)
}

// Query narrows and orders a backup listing.
type Query struct {
	SortBy     SortField
	Ascending  bool
	Status     Status
	DeviceName string
	DateFrom   *time.Time
	DateTo     *time.Time
	Search     string // matched against device_name and license_key
}

// Normalize fills defaults and trims the search text.
func (q Query) Normalize() Query {
	if q.SortBy == "" {
		q.SortBy = SortByBackupTimestamp
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}
