// Package stream keeps each open room's message list current from two
// triggers: collaborator push events and a fallback poll.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

type Config struct {
	PageSize     int
	PollInterval time.Duration
	MaxCached    int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.MaxCached <= 0 {
		c.MaxCached = 1000
	}
	// Eviction must never reach into the newest page or polls would re-add it.
	if c.MaxCached < c.PageSize {
		c.MaxCached = c.PageSize
	}
	return c
}

type Synchronizer struct {
	store core.Store
	cfg   Config

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomSync
}

type roomSync struct {
	view     *RoomView
	events   chan core.Event
	cancel   context.CancelFunc
	unsub    func()
	pollOnly bool
	lastPush atomic.Int64
	stopped  chan struct{}
}

func New(st core.Store, cfg Config) *Synchronizer {
	return &Synchronizer{store: st, cfg: cfg.withDefaults(), rooms: make(map[domain.RoomID]*roomSync)}
}

// Open starts synchronizing id and returns its view. Opening an open room
// returns the existing view. Collaborator failures never fail Open; the view
// may start empty and fill on a later poll.
func (s *Synchronizer) Open(ctx context.Context, id domain.RoomID) *RoomView {
	s.mu.Lock()
	if rs, ok := s.rooms[id]; ok {
		s.mu.Unlock()
		return rs.view
	}
	runCtx, cancel := context.WithCancel(context.Background())
	rs := &roomSync{
		view:    newRoomView(id, s.cfg.MaxCached),
		events:  make(chan core.Event),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	s.rooms[id] = rs
	s.mu.Unlock()

	done := rs.view.done
	unsub, err := s.store.Subscribe(ctx, core.Messages,
		func(r core.Record) bool { return core.String(r.Fields, core.FieldRoom) == string(id) },
		func(ev core.Event) {
			select {
			case rs.events <- ev:
			case <-done:
			}
		})
	if err != nil {
		rs.pollOnly = true
		log.Debug().Err(domain.Transient("subscribe", err)).Str("module", "stream").Str("room", string(id)).Msg("push unavailable, polling only")
	} else {
		rs.unsub = unsub
	}

	s.fetch(ctx, rs)
	go s.run(runCtx, rs)
	log.Info().Str("module", "stream").Str("room", string(id)).Bool("poll_only", rs.pollOnly).Int("cached", rs.view.Len()).Msg("room opened")
	return rs.view
}

// View returns the view of an open room.
func (s *Synchronizer) View(id domain.RoomID) (*RoomView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[id]
	if !ok {
		return nil, false
	}
	return rs.view, true
}

func (s *Synchronizer) Rooms() []domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RoomID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

// Close tears down the room's subscription, poll and run loop.
func (s *Synchronizer) Close(id domain.RoomID) {
	s.mu.Lock()
	rs, ok := s.rooms[id]
	delete(s.rooms, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	rs.view.close()
	if rs.unsub != nil {
		rs.unsub()
	}
	rs.cancel()
	<-rs.stopped
	log.Info().Str("module", "stream").Str("room", string(id)).Msg("room closed")
}

func (s *Synchronizer) CloseAll() {
	for _, id := range s.Rooms() {
		s.Close(id)
	}
}

func (s *Synchronizer) run(ctx context.Context, rs *roomSync) {
	defer close(rs.stopped)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rs.view.done:
			return
		case ev := <-rs.events:
			rs.lastPush.Store(time.Now().UnixNano())
			if ev.Action == core.ActionDelete {
				continue
			}
			m, err := core.MessageFromRecord(ev.Record)
			if err != nil {
				log.Debug().Err(err).Str("module", "stream").Msg("dropping undecodable push")
				continue
			}
			rs.view.Merge(m)
		case <-ticker.C:
			quiet := time.Since(time.Unix(0, rs.lastPush.Load())) >= s.cfg.PollInterval
			if rs.pollOnly || quiet {
				s.fetch(ctx, rs)
			}
		}
	}
}

// fetch loads the newest page and merges it in creation order.
func (s *Synchronizer) fetch(ctx context.Context, rs *roomSync) {
	id := rs.view.ID()
	recs, err := s.store.List(ctx, core.Messages, core.Query{
		Filter: map[string]any{core.FieldRoom: string(id)},
		Sort:   "created",
		Desc:   true,
		Limit:  s.cfg.PageSize,
	})
	if err != nil {
		log.Debug().Err(domain.Transient("fetch", err)).Str("module", "stream").Str("room", string(id)).Msg("fetch failed, retrying next tick")
		return
	}
	page := make([]domain.Message, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		m, err := core.MessageFromRecord(recs[i])
		if err != nil {
			log.Debug().Err(err).Str("module", "stream").Msg("dropping undecodable record")
			continue
		}
		page = append(page, m)
	}
	rs.view.Merge(page...)
}
