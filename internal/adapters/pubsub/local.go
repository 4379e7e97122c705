// Package pubsub provides core.Bus implementations: an in-process fan-out and
// a Redis-backed one for multi-process deployments.
package pubsub

import (
	"context"
	"sync"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/rs/zerolog/log"
)

const subscriberQueue = 256

type localSub struct {
	coll core.Collection
	fn   func(core.Event)
	ch   chan core.Event
	done chan struct{}
	once sync.Once
}

// Local fans events out to in-process subscribers. Each subscriber has its
// own goroutine so a slow handler never reorders events for the others.
type Local struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*localSub
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]*localSub)}
}

func (b *Local) Publish(ctx context.Context, ev core.Event) error {
	b.mu.RLock()
	targets := make([]*localSub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.coll == ev.Record.Collection {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Local) Subscribe(ctx context.Context, coll core.Collection, fn func(core.Event)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &localSub{
		coll: coll,
		fn:   fn,
		ch:   make(chan core.Event, subscriberQueue),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()
	log.Debug().Str("module", "pubsub.local").Str("collection", string(coll)).Int("sub", id).Msg("subscribed")

	return func() {
		s.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}, nil
}

func (s *localSub) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.fn(ev)
		}
	}
}
