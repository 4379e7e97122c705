package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
)

func TestSendRateLimiterWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l := NewSendRateLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("u1", "general"); !ok {
			t.Fatalf("send %d rejected", i)
		}
		now = now.Add(200 * time.Millisecond)
	}
	ok, wait := l.Allow("u1", "general")
	if ok || wait != 600*time.Millisecond {
		t.Fatalf("third send = %v, retry in %s", ok, wait)
	}
	if ok, _ := l.Allow("u1", "lab"); !ok {
		t.Fatal("another room has its own window")
	}
	if ok, _ := l.Allow("u2", "general"); !ok {
		t.Fatal("another user has its own window")
	}

	now = base.Add(time.Second)
	if ok, _ := l.Allow("u1", "general"); !ok {
		t.Fatal("send after the oldest left the window rejected")
	}
	if ok, wait := l.Allow("u1", "general"); ok || wait != 200*time.Millisecond {
		t.Fatalf("send into a full window = %v, retry in %s", ok, wait)
	}
}

func TestSendRateLimiterSweepsIdleWindows(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewSendRateLimiter(1, time.Second)
	l.now = func() time.Time { return now }
	for i := 0; i < sweepAt; i++ {
		l.Allow("u1", domain.RoomID(fmt.Sprintf("room-%d", i)))
	}
	now = now.Add(2 * time.Second)
	l.Allow("u2", "general")
	if n := len(l.windows); n != 1 {
		t.Fatalf("windows after sweep = %d", n)
	}
}

func TestSendRateLimiterDisabled(t *testing.T) {
	l := NewSendRateLimiter(0, time.Second)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("u1", "general"); !ok {
			t.Fatalf("send %d rejected with limiting disabled", i)
		}
	}
}
