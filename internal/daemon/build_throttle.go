package daemon

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// BuildThrottle caps how many range builds one client may ask for within a
// sliding window. Only well-formed requests that reach the orchestrator are
// counted, and a request refused because a range is already running is
// handed back so clients polling a busy range are not locked out.
type BuildThrottle struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	attempts map[string][]time.Time
}

// NewBuildThrottle returns nil, meaning unlimited, when limit or window is
// not positive.
func NewBuildThrottle(limit int, window time.Duration) *BuildThrottle {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &BuildThrottle{
		limit:    limit,
		window:   window,
		now:      time.Now,
		attempts: make(map[string][]time.Time),
	}
}

// Admit records a build attempt from remoteAddr. When the client has used
// its window it returns false and how long until the oldest attempt ages
// out. Clients with unparseable addresses are never admitted.
func (t *BuildThrottle) Admit(remoteAddr string) (time.Duration, bool) {
	if t == nil {
		return 0, true
	}
	addr, ok := clientAddr(remoteAddr)
	if !ok || addr.IsUnspecified() {
		return t.window, false
	}
	key := addr.String()
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)

	recent := t.attempts[key]
	if len(recent) >= t.limit {
		return recent[0].Add(t.window).Sub(now), false
	}
	t.attempts[key] = append(recent, now)
	return 0, true
}

// Release hands back the newest attempt of remoteAddr.
func (t *BuildThrottle) Release(remoteAddr string) {
	if t == nil {
		return
	}
	addr, ok := clientAddr(remoteAddr)
	if !ok {
		return
	}
	key := addr.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	recent := t.attempts[key]
	switch len(recent) {
	case 0:
	case 1:
		delete(t.attempts, key)
	default:
		t.attempts[key] = recent[:len(recent)-1]
	}
}

// pruneLocked drops attempts older than the window and forgets idle clients.
func (t *BuildThrottle) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	for key, recent := range t.attempts {
		keep := 0
		for keep < len(recent) && !recent[keep].After(cutoff) {
			keep++
		}
		if keep == len(recent) {
			delete(t.attempts, key)
			continue
		}
		t.attempts[key] = recent[keep:]
	}
}

func writeBuildThrottled(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, "too many range requests")
}
