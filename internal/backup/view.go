package backup

import (
	"context"
	"time"
)

const fetchFailedMessage = "Failed to fetch chat backups"

// Source lists the backups owned by a user.
type Source interface {
	ListBackups(ctx context.Context, userID int64, q Query) ([]Record, error)
}

// View holds one user's fetched backups and derives threads, analytics
// and stats from them. Derived values are recomputed on every call.
//
// A View is not safe for concurrent use; handlers create one per request.
type View struct {
	source Source
	userID int64
	query  Query

	records  []Record
	errMsg   string
	loadedAt time.Time
}

// NewView creates an empty view for userID.
func NewView(source Source, userID int64) *View {
	return &View{source: source, userID: userID, query: Query{}.Normalize()}
}

// SetQuery replaces the listing query used by the next Refresh.
func (v *View) SetQuery(q Query) {
	v.query = q.Normalize()
}

// Refresh fetches the backups again. On failure the previously loaded
// records are kept and the error message is recorded.
func (v *View) Refresh(ctx context.Context) error {
	records, err := v.source.ListBackups(ctx, v.userID, v.query)
	if err != nil {
		v.errMsg = err.Error()
		if v.errMsg == "" {
			v.errMsg = fetchFailedMessage
		}
		return err
	}
	if records == nil {
		records = []Record{}
	}
	v.records = records
	v.errMsg = ""
	v.loadedAt = time.Now()
	return nil
}

// Records returns the loaded backups.
func (v *View) Records() []Record {
	if v.records == nil {
		return []Record{}
	}
	return v.records
}

// Err is the message of the last failed Refresh, or "".
func (v *View) Err() string { return v.errMsg }

// ClearErr drops the recorded fetch error.
func (v *View) ClearErr() { v.errMsg = "" }

// LoadedAt is when the records were last fetched successfully.
func (v *View) LoadedAt() time.Time { return v.loadedAt }

// Threads reconstructs conversations, optionally limited to a device and
// filtered by a search query.
func (v *View) Threads(device, query string) []Thread {
	return Search(Reconstruct(v.records, device), query)
}

// Analytics aggregates usage for tr, measured back from now.
func (v *View) Analytics(tr TimeRange, now time.Time) Analytics {
	return Aggregate(v.records, tr, now)
}

// Stats summarizes the loaded backups.
func (v *View) Stats() Stats { return ComputeStats(v.records) }

// DeviceStats summarizes the loaded backups per device.
func (v *View) DeviceStats() []DeviceStats { return ComputeDeviceStats(v.records) }

// Devices lists distinct non-empty device names in first-seen order.
func (v *View) Devices() []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, r := range v.records {
		if r.DeviceName == nil || *r.DeviceName == "" {
			continue
		}
		if _, ok := seen[*r.DeviceName]; ok {
			continue
		}
		seen[*r.DeviceName] = struct{}{}
		out = append(out, *r.DeviceName)
	}
	return out
}
