package otp

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// ErrCooldown is returned while a resend is still throttled.
var ErrCooldown = errors.New("resend cooldown active")

// DefaultLadder is the wait imposed after the 1st, 2nd and every later resend.
var DefaultLadder = []time.Duration{30 * time.Second, 5 * time.Minute, 12 * time.Hour}

// idle entries are forgotten this long after their cooldown ends, which
// restarts the ladder for that address.
const forgetAfter = 24 * time.Hour

type resendState struct {
	attempts  int
	until     time.Time
	prevUntil time.Time
}

// Limiter throttles code resends per email address with an escalating
// cooldown. It is safe for concurrent use.
type Limiter struct {
	ladder  []time.Duration
	entries map[string]*resendState
	now     func() time.Time
	mu      sync.Mutex
}

// NewLimiter creates a limiter using ladder, or DefaultLadder when empty.
func NewLimiter(ladder ...time.Duration) *Limiter {
	if len(ladder) == 0 {
		ladder = DefaultLadder
	}
	return &Limiter{
		ladder:  ladder,
		entries: make(map[string]*resendState),
		now:     time.Now,
	}
}

func normalizeKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Allow records a resend for email. During a cooldown it returns the
// remaining wait and ErrCooldown without counting the attempt.
func (l *Limiter) Allow(email string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupExpired(now)

	key := normalizeKey(email)
	st, ok := l.entries[key]
	if !ok {
		st = &resendState{}
		l.entries[key] = st
	}
	if now.Before(st.until) {
		return st.until.Sub(now), ErrCooldown
	}

	st.attempts++
	st.prevUntil = st.until
	idx := st.attempts - 1
	if idx >= len(l.ladder) {
		idx = len(l.ladder) - 1
	}
	st.until = now.Add(l.ladder[idx])
	return 0, nil
}

// Remaining is the cooldown left for email, or zero.
func (l *Limiter) Remaining(email string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.entries[normalizeKey(email)]
	if !ok {
		return 0
	}
	if d := st.until.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// Undo takes back the last attempt recorded by Allow, for when the code
// could not be delivered.
func (l *Limiter) Undo(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := normalizeKey(email)
	st, ok := l.entries[key]
	if !ok || st.attempts == 0 {
		return
	}
	st.attempts--
	st.until = st.prevUntil
	if st.attempts == 0 {
		delete(l.entries, key)
	}
}

// Reset clears the ladder for email, as after a fresh signup.
func (l *Limiter) Reset(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, normalizeKey(email))
}

func (l *Limiter) cleanupExpired(now time.Time) {
	for key, st := range l.entries {
		if now.After(st.until.Add(forgetAfter)) {
			delete(l.entries, key)
		}
	}
}

// WaitMessage formats a cooldown for the user, e.g. "Please wait 4m 10s
// before requesting another OTP".
func WaitMessage(wait time.Duration) string {
	remaining := int(math.Ceil(wait.Seconds()))
	minutes := remaining / 60
	seconds := remaining % 60

	var span string
	switch {
	case minutes > 60:
		span = fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
	case minutes > 0:
		span = fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		span = fmt.Sprintf("%ds", seconds)
	}
	return "Please wait " + span + " before requesting another OTP"
}
