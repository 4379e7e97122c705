// Package memory is an in-process core.Store used by tests and dev mode.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/pubsub"
	"github.com/dkeye/Lounge/internal/adapters/store"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Store struct {
	mu      sync.RWMutex
	records map[core.Collection]map[string]core.Record
	order   map[core.Collection][]string
	secrets map[string][]byte // user id -> bcrypt hash
	last    time.Time

	bus    core.Bus
	admins []string
	bots   store.Bots
	now    func() time.Time
}

type Option func(*Store)

// WithBus replaces the default in-process bus.
func WithBus(b core.Bus) Option { return func(s *Store) { s.bus = b } }

// WithAdmins promotes the given emails to admin on registration.
func WithAdmins(emails []string) Option { return func(s *Store) { s.admins = emails } }

// WithBots names the bots allowed to post in each room.
func WithBots(b store.Bots) Option { return func(s *Store) { s.bots = b } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[core.Collection]map[string]core.Record),
		order:   make(map[core.Collection][]string),
		secrets: make(map[string][]byte),
		bus:     pubsub.NewLocal(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// locked exposes the rule lookups; callers hold s.mu.
type locked struct{ s *Store }

func (l locked) UserRecord(id string) (core.Record, bool) {
	r, ok := l.s.records[core.Users][id]
	return r, ok
}

func (l locked) RoomBot(roomID, botID string) bool { return l.s.bots.Has(roomID, botID) }

func (l locked) RoomMuted(roomID string) bool {
	for _, r := range l.s.records[core.RoomStates] {
		if core.String(r.Fields, core.FieldRoomID) == roomID {
			return core.Bool(r.Fields, core.FieldMuted)
		}
	}
	return false
}

// stamp returns a strictly increasing time so creation and update order are total.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Store) insert(coll core.Collection, id string, fields map[string]any) core.Record {
	if s.records[coll] == nil {
		s.records[coll] = make(map[string]core.Record)
	}
	now := s.stamp()
	rec := store.Clone(core.Record{ID: id, Collection: coll, Fields: fields, Created: now, Updated: now})
	s.records[coll][id] = rec
	s.order[coll] = append(s.order[coll], id)
	return rec
}

func (s *Store) publish(ctx context.Context, action core.Action, rec core.Record) {
	if err := s.bus.Publish(ctx, core.Event{Action: action, Record: store.Clone(rec)}); err != nil {
		log.Warn().Err(err).Str("module", "store.memory").Str("collection", string(rec.Collection)).Msg("publish failed")
	}
}

// Register creates a human user with a hashed secret.
func (s *Store) Register(ctx context.Context, r core.Registration) (core.Record, error) {
	p, err := store.Prepare(r, s.admins)
	if err != nil {
		return core.Record{}, err
	}
	s.mu.Lock()
	for _, u := range s.records[core.Users] {
		if core.String(u.Fields, core.FieldEmail) == p.Email {
			s.mu.Unlock()
			return core.Record{}, domain.ErrEmailTaken
		}
	}
	rec := s.insert(core.Users, p.ID, p.Fields)
	s.secrets[p.ID] = p.Hash
	s.mu.Unlock()

	log.Info().Str("module", "store.memory").Str("uid", rec.ID).Msg("user registered")
	s.publish(ctx, core.ActionCreate, rec)
	return store.Clone(rec), nil
}

func (s *Store) Authenticate(ctx context.Context, email, secret string) (core.Record, error) {
	email = domain.NormalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.records[core.Bans] {
		if domain.NormalizeEmail(core.String(b.Fields, core.FieldEmail)) == email {
			return core.Record{}, domain.ErrBanned
		}
	}
	for _, u := range s.records[core.Users] {
		if core.String(u.Fields, core.FieldEmail) != email {
			continue
		}
		hash, ok := s.secrets[u.ID]
		if !ok {
			return core.Record{}, domain.ErrInvalidCredentials
		}
		if err := store.CompareSecret(hash, secret); err != nil {
			return core.Record{}, err
		}
		return store.Clone(u), nil
	}
	return core.Record{}, domain.ErrInvalidCredentials
}

func (s *Store) Create(ctx context.Context, coll core.Collection, fields map[string]any) (core.Record, error) {
	s.mu.Lock()
	if err := store.Authorize(ctx, locked{s}, store.OpCreate, coll, "", fields); err != nil {
		s.mu.Unlock()
		return core.Record{}, err
	}
	rec := s.insert(coll, uuid.NewString(), fields)
	s.mu.Unlock()

	s.publish(ctx, core.ActionCreate, rec)
	return store.Clone(rec), nil
}

func (s *Store) List(ctx context.Context, coll core.Collection, q core.Query) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := make([]core.Record, 0, len(s.order[coll]))
	for _, id := range s.order[coll] {
		if r, ok := s.records[coll][id]; ok {
			recs = append(recs, store.Clone(r))
		}
	}
	s.mu.RUnlock()
	return store.Apply(recs, q), nil
}

func (s *Store) Subscribe(ctx context.Context, coll core.Collection, predicate func(core.Record) bool, onEvent func(core.Event)) (func(), error) {
	return s.bus.Subscribe(ctx, coll, func(ev core.Event) {
		if predicate == nil || predicate(ev.Record) {
			onEvent(ev)
		}
	})
}

func (s *Store) Update(ctx context.Context, coll core.Collection, id string, fields map[string]any) (core.Record, error) {
	s.mu.Lock()
	rec, ok := s.records[coll][id]
	if !ok {
		s.mu.Unlock()
		return core.Record{}, fmt.Errorf("%s/%s: %w", coll, id, domain.ErrNotFound)
	}
	if err := store.Authorize(ctx, locked{s}, store.OpUpdate, coll, id, fields); err != nil {
		s.mu.Unlock()
		return core.Record{}, err
	}
	rec = store.Clone(rec)
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.Updated = s.stamp()
	s.records[coll][id] = rec
	s.mu.Unlock()

	s.publish(ctx, core.ActionUpdate, rec)
	return store.Clone(rec), nil
}

func (s *Store) Delete(ctx context.Context, coll core.Collection, id string) error {
	s.mu.Lock()
	rec, ok := s.records[coll][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", coll, id, domain.ErrNotFound)
	}
	if err := store.Authorize(ctx, locked{s}, store.OpDelete, coll, id, nil); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.records[coll], id)
	ids := s.order[coll]
	for i, v := range ids {
		if v == id {
			s.order[coll] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.publish(ctx, core.ActionDelete, rec)
	return nil
}
