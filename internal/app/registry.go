package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/app/moderation"
	"github.com/dkeye/Lounge/internal/app/orch"
	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/app/stream"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
)

const releaseTimeout = 5 * time.Second

type DirectoryConfig struct {
	AnnounceJoins bool
	Sync          stream.Config
	// Locale orders roster names.
	Locale language.Tag
}

// Directory is the process-wide registry of connected sessions and the
// entry point for registration and login.
type Directory struct {
	Store      core.Store
	Registrar  core.Registrar
	Cell       *state.Cell
	Rooms      *RoomCatalog
	Moderation *moderation.Machine
	Orch       *orch.Orchestrator
	Policy     Policy

	cfg      DirectoryConfig
	mu       sync.RWMutex
	sessions map[SessionID]*Session
}

func NewDirectory(st core.Store, reg core.Registrar, cell *state.Cell, rooms *RoomCatalog, o *orch.Orchestrator, cfg DirectoryConfig) *Directory {
	return &Directory{
		Store:      st,
		Registrar:  reg,
		Cell:       cell,
		Rooms:      rooms,
		Moderation: moderation.New(st, cell),
		Orch:       o,
		Policy:     DefaultPolicy{},
		cfg:        cfg,
		sessions:   make(map[SessionID]*Session),
	}
}

// Register creates a password user and returns its identity.
func (d *Directory) Register(ctx context.Context, r core.Registration) (domain.Identity, error) {
	if d.Registrar == nil {
		return domain.Identity{}, fmt.Errorf("registration disabled: %w", domain.ErrAuthorization)
	}
	rec, err := d.Registrar.Register(ctx, r)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("register: %w", err)
	}
	u, err := core.UserFromRecord(rec)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("register: %w", err)
	}
	d.Cell.Commit(rec)
	return u.Identity(), nil
}

// Login authenticates, clears a previous kick and marks the user online.
func (d *Directory) Login(ctx context.Context, email, secret string) (domain.Identity, error) {
	rec, err := d.Store.Authenticate(ctx, email, secret)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("login: %w", err)
	}
	u, err := core.UserFromRecord(rec)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("login: %w", err)
	}
	d.Cell.Commit(rec)
	if err := d.Moderation.ResetOnAuthentication(ctx, u.ID); err != nil {
		return domain.Identity{}, fmt.Errorf("login: %w", err)
	}
	log.Info().Str("module", "app.registry").Str("uid", string(u.ID)).Msg("logged in")
	if cur, ok := d.Cell.User(u.ID); ok {
		return cur.Identity(), nil
	}
	return u.Identity(), nil
}

// lookupUser prefers the cell and falls back to the store for users written
// by another process that the cell has not seen yet.
func (d *Directory) lookupUser(ctx context.Context, id domain.UserID) (domain.User, error) {
	if u, ok := d.Cell.User(id); ok {
		return u, nil
	}
	recs, err := d.Store.List(ctx, core.Users, core.Query{Filter: map[string]any{"id": string(id)}, Limit: 1})
	if err != nil {
		return domain.User{}, domain.Transient("lookup user", err)
	}
	if len(recs) == 0 {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	u, err := core.UserFromRecord(recs[0])
	if err != nil {
		return domain.User{}, err
	}
	d.Cell.Commit(recs[0])
	return u, nil
}

// Connect attaches a session for an authenticated identity. Kicked and
// banned identities must log in again first. A session already bound to sid
// is replaced.
func (d *Directory) Connect(ctx context.Context, sid SessionID, id domain.Identity) (*Session, error) {
	u, err := d.lookupUser(ctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if u.Email != "" {
		bans, err := d.Store.List(ctx, core.Bans, core.Query{Filter: map[string]any{core.FieldEmail: domain.NormalizeEmail(u.Email)}, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("connect: %w", domain.Transient("ban lookup", err))
		}
		if len(bans) > 0 {
			return nil, fmt.Errorf("connect: %w", domain.ErrBanned)
		}
	}
	if u.Kicked {
		return nil, fmt.Errorf("connect: %w", domain.ErrKicked)
	}
	if !u.Online {
		if err := d.Moderation.MarkOnline(ctx, u.ID); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	s := newSession(d, sid, u.Identity())
	d.mu.Lock()
	prev := d.sessions[sid]
	d.sessions[sid] = s
	d.mu.Unlock()
	if prev != nil {
		prev.end(ReasonDisconnect)
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("uid", string(u.ID)).Msg("bound session")
	return s, nil
}

func (d *Directory) Get(sid SessionID) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[sid]
	return s, ok
}

func (d *Directory) SessionsOf(id domain.UserID) []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Session
	for _, s := range d.sessions {
		if s.self.ID == id {
			out = append(out, s)
		}
	}
	return out
}

// Disconnect ends the session bound to sid. It reports false when no session
// is bound, e.g. one that already ended after a kick.
func (d *Directory) Disconnect(ctx context.Context, sid SessionID) bool {
	s, ok := d.Get(sid)
	if !ok {
		return false
	}
	s.end(ReasonDisconnect)
	return true
}

// release runs when any session ends: it unbinds s and takes the user offline
// once their last session is gone. Logout marks offline itself and a deleted
// user has no record left to update.
func (d *Directory) release(s *Session, reason EndReason) {
	d.unbind(s)
	if reason == ReasonLogout || reason == ReasonDeleted || len(d.SessionsOf(s.self.ID)) > 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := d.Moderation.MarkOffline(ctx, s.self.ID); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("uid", string(s.self.ID)).Msg("mark offline failed")
	}
}

// unbind drops s unless sid was rebound to a newer session.
func (d *Directory) unbind(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.id] == s {
		delete(d.sessions, s.id)
		log.Info().Str("module", "app.registry").Str("sid", string(s.id)).Msg("unbind session")
	}
}

// Close ends every session.
func (d *Directory) Close() {
	d.mu.RLock()
	all := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.mu.RUnlock()
	for _, s := range all {
		s.end(ReasonDisconnect)
	}
}
