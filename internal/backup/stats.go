package backup

import "time"

// Stats are the headline counters on the backups page.
type Stats struct {
	TotalBackups                  int     `json:"totalBackups"`
	TotalConversations            int     `json:"totalConversations"`
	TotalSize                     int64   `json:"totalSize"`
	ActiveBackups                 int     `json:"activeBackups"`
	ArchivedBackups               int     `json:"archivedBackups"`
	DeletedBackups                int     `json:"deletedBackups"`
	DeviceCount                   int     `json:"deviceCount"`
	AverageConversationsPerBackup float64 `json:"averageConversationsPerBackup"`
}

// DeviceStats aggregates the backups of one named device.
type DeviceStats struct {
	DeviceName         string    `json:"device_name"`
	BackupCount        int       `json:"backup_count"`
	TotalConversations int       `json:"total_conversations"`
	TotalSize          int64     `json:"total_size"`
	LastBackup         time.Time `json:"last_backup"`
}

func conversationCount(r Record) int {
	if r.ConversationCount == nil {
		return 0
	}
	return *r.ConversationCount
}

func backupSize(r Record) int64 {
	if r.BackupSize == nil {
		return 0
	}
	return *r.BackupSize
}

// ComputeStats summarizes all backups of a user.
func ComputeStats(records []Record) Stats {
	var s Stats
	devices := make(map[string]struct{})

	for _, r := range records {
		s.TotalBackups++
		s.TotalConversations += conversationCount(r)
		s.TotalSize += backupSize(r)
		switch r.Status {
		case StatusActive:
			s.ActiveBackups++
		case StatusArchived:
			s.ArchivedBackups++
		case StatusDeleted:
			s.DeletedBackups++
		}
		if r.DeviceName != nil && *r.DeviceName != "" {
			devices[*r.DeviceName] = struct{}{}
		}
	}

	s.DeviceCount = len(devices)
	if s.TotalBackups > 0 {
		s.AverageConversationsPerBackup = float64(s.TotalConversations) / float64(s.TotalBackups)
	}
	return s
}

// ComputeDeviceStats groups backups by device name in first-seen order.
// Backups without a device name are skipped.
func ComputeDeviceStats(records []Record) []DeviceStats {
	out := []DeviceStats{}
	index := make(map[string]int)

	for _, r := range records {
		if r.DeviceName == nil {
			continue
		}
		name := *r.DeviceName
		i, ok := index[name]
		if !ok {
			index[name] = len(out)
			out = append(out, DeviceStats{
				DeviceName:         name,
				BackupCount:        1,
				TotalConversations: conversationCount(r),
				TotalSize:          backupSize(r),
				LastBackup:         r.BackupTimestamp,
			})
			continue
		}
		d := &out[i]
		d.BackupCount++
		d.TotalConversations += conversationCount(r)
		d.TotalSize += backupSize(r)
		if r.BackupTimestamp.After(d.LastBackup) {
			d.LastBackup = r.BackupTimestamp
		}
	}
	return out
}
