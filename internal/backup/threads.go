package backup

import (
	"sort"
	"strings"
	"time"
)

const (
	previewLength = 60
	noMessages    = "No messages"
)

// timestampLayouts covers the RFC 3339 form and the naive ISO form the CLI
// emits. Naive timestamps are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses a turn timestamp. Unparseable input yields the
// zero time, which sorts first.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Reconstruct rebuilds conversation threads from backups, newest first.
// When device is non-empty only backups from that device are used.
//
// Turns are grouped by their session id within each backup only; two
// backups that share a session id still produce separate threads.
func Reconstruct(records []Record, device string) []Thread {
	var threads []Thread
	var starts []time.Time

	for _, r := range records {
		if device != "" && (r.DeviceName == nil || *r.DeviceName != device) {
			continue
		}
		p := r.Payload()
		if !p.HasTurns {
			continue
		}

		var order []string
		groups := make(map[string][]Turn)
		for _, t := range p.Turns {
			if _, ok := groups[t.SessionID]; !ok {
				order = append(order, t.SessionID)
			}
			groups[t.SessionID] = append(groups[t.SessionID], t)
		}

		for _, sessionID := range order {
			thread, start := buildThread(r, p, sessionID, groups[sessionID])
			threads = append(threads, thread)
			starts = append(starts, start)
		}
	}

	idx := make([]int, len(threads))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return starts[idx[a]].After(starts[idx[b]])
	})

	sorted := make([]Thread, 0, len(threads))
	for _, j := range idx {
		sorted = append(sorted, threads[j])
	}
	return sorted
}

func buildThread(r Record, p Payload, sessionID string, turns []Turn) (Thread, time.Time) {
	type timedTurn struct {
		Turn
		at time.Time
	}
	sorted := make([]timedTurn, len(turns))
	for i, t := range turns {
		sorted[i] = timedTurn{Turn: t, at: ParseTimestamp(t.Timestamp)}
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		return sorted[a].at.Before(sorted[b].at)
	})

	messages := make([]Message, 0, len(sorted)*2)
	for _, t := range sorted {
		if t.UserInput != "" {
			messages = append(messages, Message{Role: RoleUser, Content: t.UserInput, Timestamp: t.Timestamp})
		}
		if t.AIResponse != "" {
			messages = append(messages, Message{Role: RoleAssistant, Content: t.AIResponse, Timestamp: t.Timestamp})
		}
	}

	thread := Thread{
		SessionID: sessionID,
		BackupID:  r.ID,
		Messages:  messages,
		Model:     ResolveModel(sorted[0].Model, p),
		StartTime: sorted[0].Timestamp,
		Preview:   preview(messages),
	}
	if r.DeviceName != nil {
		thread.DeviceName = *r.DeviceName
	}
	return thread, sorted[0].at
}

func preview(messages []Message) string {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		runes := []rune(m.Content)
		if len(runes) > previewLength {
			return string(runes[:previewLength]) + "..."
		}
		return m.Content
	}
	return noMessages
}

// Search keeps the threads whose preview or any message contains query,
// ignoring case. A blank query returns threads unchanged.
func Search(threads []Thread, query string) []Thread {
	if strings.TrimSpace(query) == "" {
		return threads
	}
	needle := strings.ToLower(query)

	matched := make([]Thread, 0, len(threads))
	for _, t := range threads {
		if threadContains(t, needle) {
			matched = append(matched, t)
		}
	}
	return matched
}

func threadContains(t Thread, needle string) bool {
	if strings.Contains(strings.ToLower(t.Preview), needle) {
		return true
	}
	for _, m := range t.Messages {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			return true
		}
	}
	return false
}
