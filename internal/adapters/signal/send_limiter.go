package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
)

// sweepAt is the key count past which idle windows are dropped.
const sweepAt = 1024

type sendKey struct {
	user domain.UserID
	room domain.RoomID
}

// sendWindow is a ring of the last limit accepted sends, oldest at next.
type sendWindow struct {
	at   []time.Time
	next int
}

func (w *sendWindow) oldest() time.Time { return w.at[w.next] }

func (w *sendWindow) newest() time.Time { return w.at[(w.next+len(w.at)-1)%len(w.at)] }

func (w *sendWindow) push(t time.Time) {
	w.at[w.next] = t
	w.next = (w.next + 1) % len(w.at)
}

// SendRateLimiter caps the sends of one user into one room to limit per
// interval. Rooms are limited independently.
type SendRateLimiter struct {
	mu       sync.Mutex
	windows  map[sendKey]*sendWindow
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewSendRateLimiter(limit int, interval time.Duration) *SendRateLimiter {
	return &SendRateLimiter{
		windows:  make(map[sendKey]*sendWindow),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow counts a send by uid into room when it fits the window. Otherwise it
// reports how long until the oldest counted send leaves the window. A
// non-positive limit disables limiting.
func (l *SendRateLimiter) Allow(uid domain.UserID, room domain.RoomID) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := sendKey{uid, room}
	w, ok := l.windows[key]
	if !ok {
		if len(l.windows) >= sweepAt {
			l.sweep(now)
		}
		w = &sendWindow{at: make([]time.Time, l.limit)}
		l.windows[key] = w
	}
	if free := w.oldest().Add(l.interval); free.After(now) {
		return false, free.Sub(now)
	}
	w.push(now)
	return true, 0
}

// sweep drops windows with no send inside the interval. Callers hold mu.
func (l *SendRateLimiter) sweep(now time.Time) {
	for key, w := range l.windows {
		if !w.newest().Add(l.interval).After(now) {
			delete(l.windows, key)
		}
	}
}
