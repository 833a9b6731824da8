package backup

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// TimeRange selects the analytics window.
type TimeRange string

const (
	Range7Days  TimeRange = "7d"
	Range30Days TimeRange = "30d"
	Range90Days TimeRange = "90d"
	RangeAll    TimeRange = "all"
)

// allTimeCutoff is far enough back to include every backup.
var allTimeCutoff = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ParseTimeRange validates a range selector. Empty input means 30d.
func ParseTimeRange(s string) (TimeRange, error) {
	switch TimeRange(s) {
	case "":
		return Range30Days, nil
	case Range7Days, Range30Days, Range90Days, RangeAll:
		return TimeRange(s), nil
	}
	return "", fmt.Errorf("invalid time range %q", s)
}

// Cutoff is the earliest creation time included in the window ending at now.
func (r TimeRange) Cutoff(now time.Time) time.Time {
	switch r {
	case Range7Days:
		return now.AddDate(0, 0, -7)
	case Range30Days:
		return now.AddDate(0, 0, -30)
	case Range90Days:
		return now.AddDate(0, 0, -90)
	}
	return allTimeCutoff
}

// Analytics summarizes chat usage over a time window.
type Analytics struct {
	TotalChats             int            `json:"totalChats"`
	TotalMessages          int            `json:"totalMessages"`
	ModelUsage             map[string]int `json:"modelUsage"`
	DeviceUsage            map[string]int `json:"deviceUsage"`
	DailyActivity          map[string]int `json:"dailyActivity"`
	AverageMessagesPerChat int            `json:"averageMessagesPerChat"`
	MostActiveDay          string         `json:"mostActiveDay"`
	MostUsedModel          string         `json:"mostUsedModel"`
	MostUsedDevice         string         `json:"mostUsedDevice"`
}

// tally is a counter that remembers key insertion order so that the
// "most used" pick is deterministic: on equal counts the earliest key wins.
type tally struct {
	counts map[string]int
	order  []string
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(key string, n int) {
	if _, ok := t.counts[key]; !ok {
		t.order = append(t.order, key)
	}
	t.counts[key] += n
}

func (t *tally) top() string {
	best, bestCount := "", -1
	for _, k := range t.order {
		if t.counts[k] > bestCount {
			best, bestCount = k, t.counts[k]
		}
	}
	return best
}

// Aggregate computes usage analytics for the backups created inside tr.
//
// Backups are grouped into chats by chat_data.session_id, falling back to
// the backup id. This grouping spans backups, unlike Reconstruct.
// Message counts assume two messages per stored turn.
func Aggregate(records []Record, tr TimeRange, now time.Time) Analytics {
	cutoff := tr.Cutoff(now)

	type group struct {
		records  []Record
		payloads []Payload
	}
	var order []string
	groups := make(map[string]*group)

	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		p := r.Payload()
		key := p.SessionID
		if key == "" {
			key = r.ID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.records = append(g.records, r)
		g.payloads = append(g.payloads, p)
	}

	models := newTally()
	devices := newTally()
	daily := newTally()
	total := 0

	for _, key := range order {
		g := groups[key]
		idx := make([]int, len(g.records))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return g.records[idx[a]].CreatedAt.Before(g.records[idx[b]].CreatedAt)
		})

		first, firstPayload := g.records[idx[0]], g.payloads[idx[0]]

		threadMessages := len(g.records) * 2
		if firstPayload.HasTurns {
			threadMessages = len(firstPayload.Turns) * 2
		}
		total += threadMessages

		models.add(ResolveModel(firstPayload.FirstTurnModel(), firstPayload), threadMessages)
		devices.add(first.Device(), threadMessages)

		for _, i := range idx {
			daily.add(g.records[i].CreatedAt.UTC().Format("2006-01-02"), 2)
		}
	}

	a := Analytics{
		TotalChats:     len(order),
		TotalMessages:  total,
		ModelUsage:     models.counts,
		DeviceUsage:    devices.counts,
		DailyActivity:  daily.counts,
		MostActiveDay:  daily.top(),
		MostUsedModel:  models.top(),
		MostUsedDevice: devices.top(),
	}
	if a.TotalChats > 0 {
		a.AverageMessagesPerChat = int(math.Round(float64(total) / float64(a.TotalChats)))
	}
	return a
}
