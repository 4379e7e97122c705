// Package state holds the single authoritative copy of the moderation flags
// (authority, kicked, online, room mute) every session reads from.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

const watchQueue = 256

type ChangeKind int

const (
	UserChanged ChangeKind = iota
	UserDeleted
	RoomChanged
)

// Change describes one cell transition. Confirmed is false for optimistic
// local writes and true once the collaborator echoed the change.
type Change struct {
	Kind      ChangeKind
	User      domain.User
	RoomID    domain.RoomID
	Muted     bool
	Confirmed bool
}

type Cell struct {
	mu    sync.RWMutex
	users map[domain.UserID]domain.User
	muted map[domain.RoomID]bool
	// versions holds the newest record version applied per collection/id.
	versions map[string]time.Time
	watchers map[int]chan Change
	nextID   int
	unsubs   []func()
}

func New() *Cell {
	return &Cell{
		users:    make(map[domain.UserID]domain.User),
		muted:    make(map[domain.RoomID]bool),
		versions: make(map[string]time.Time),
		watchers: make(map[int]chan Change),
	}
}

// Attach subscribes to user and room state changes, then loads the current
// records. Subscribing first means nothing written during the load is missed.
func (c *Cell) Attach(ctx context.Context, st core.Store) error {
	for _, coll := range []core.Collection{core.Users, core.RoomStates} {
		unsub, err := st.Subscribe(ctx, coll, nil, c.Apply)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", coll, err)
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
	for _, coll := range []core.Collection{core.Users, core.RoomStates} {
		recs, err := st.List(ctx, coll, core.Query{})
		if err != nil {
			return domain.Transient("load "+string(coll), err)
		}
		for _, r := range recs {
			c.Apply(core.Event{Action: core.ActionUpdate, Record: r})
		}
	}
	log.Info().Str("module", "state").Int("users", len(c.Users())).Msg("cell attached")
	return nil
}

func (c *Cell) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// Apply reconciles the cell with a collaborator push event. Events older
// than a version already applied for the same record are dropped.
func (c *Cell) Apply(ev core.Event) { c.reconcile(ev, true) }

// Commit applies the record a local write returned. Its version wins over
// any slower push event of an earlier write.
func (c *Cell) Commit(rec core.Record) {
	c.reconcile(core.Event{Action: core.ActionUpdate, Record: rec}, false)
}

func (c *Cell) reconcile(ev core.Event, confirmed bool) {
	rec := ev.Record
	var (
		change Change
		user   domain.User
	)
	switch rec.Collection {
	case core.Users:
		u, err := core.UserFromRecord(rec)
		if err != nil {
			log.Debug().Err(err).Str("module", "state").Msg("dropping user record")
			return
		}
		user = u
		change = Change{Kind: UserChanged, User: u, Confirmed: confirmed}
		if ev.Action == core.ActionDelete {
			change.Kind = UserDeleted
		}
	case core.RoomStates:
		rs, err := core.RoomStateFromRecord(rec)
		if err != nil {
			log.Debug().Err(err).Str("module", "state").Msg("dropping room state record")
			return
		}
		change = Change{Kind: RoomChanged, RoomID: rs.RoomID, Muted: rs.Muted && ev.Action != core.ActionDelete, Confirmed: confirmed}
	default:
		return
	}

	c.mu.Lock()
	if c.stale(rec) {
		c.mu.Unlock()
		log.Debug().Str("module", "state").Str("collection", string(rec.Collection)).Str("id", rec.ID).Msg("dropping stale record")
		return
	}
	switch change.Kind {
	case UserChanged:
		c.users[user.ID] = user
	case UserDeleted:
		if prev, ok := c.users[user.ID]; ok {
			change.User = prev
		}
		delete(c.users, user.ID)
		change.Confirmed = true
	case RoomChanged:
		c.muted[change.RoomID] = change.Muted
	}
	c.mu.Unlock()
	c.broadcast(change)
}

// stale reports whether rec is older than the version last applied for it
// and otherwise records rec's version. Unversioned records are never stale.
// Callers hold c.mu.
func (c *Cell) stale(rec core.Record) bool {
	if rec.Updated.IsZero() {
		return false
	}
	key := string(rec.Collection) + "/" + rec.ID
	if rec.Updated.Before(c.versions[key]) {
		return true
	}
	c.versions[key] = rec.Updated
	return false
}

func (c *Cell) User(id domain.UserID) (domain.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

// Users returns a snapshot ordered by id.
func (c *Cell) Users() []domain.User {
	c.mu.RLock()
	out := make([]domain.User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Cell) Online() []domain.User {
	all := c.Users()
	out := all[:0]
	for _, u := range all {
		if u.Online {
			out = append(out, u)
		}
	}
	return out
}

func (c *Cell) Muted(id domain.RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.muted[id]
}

// Authority resolves id's live authority, falling back when it is unknown.
func (c *Cell) Authority(id domain.UserID, fallback domain.AuthorityLevel) domain.AuthorityLevel {
	if u, ok := c.User(id); ok {
		return u.Authority
	}
	return fallback
}

func (c *Cell) PutUser(u domain.User, confirmed bool) {
	c.mu.Lock()
	c.users[u.ID] = u
	c.mu.Unlock()
	c.broadcast(Change{Kind: UserChanged, User: u, Confirmed: confirmed})
}

// Watch returns a channel of every subsequent change. A watcher that falls a
// full queue behind loses changes rather than stalling the cell.
func (c *Cell) Watch() (<-chan Change, func()) {
	ch := make(chan Change, watchQueue)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.watchers[id]; ok {
				delete(c.watchers, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

func (c *Cell) broadcast(ch Change) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, w := range c.watchers {
		select {
		case w <- ch:
		default:
			log.Warn().Str("module", "state").Int("watcher", id).Msg("watcher queue full, change dropped")
		}
	}
}
