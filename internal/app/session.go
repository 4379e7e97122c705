package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dkeye/Lounge/internal/app/moderation"
	"github.com/dkeye/Lounge/internal/app/orch"
	"github.com/dkeye/Lounge/internal/app/presence"
	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/app/stream"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrSessionClosed = errors.New("session closed")

type SessionID string

// EndReason says why a session stopped.
type EndReason string

const (
	ReasonKicked     EndReason = "kicked"
	ReasonDeleted    EndReason = "deleted"
	ReasonLogout     EndReason = "logout"
	ReasonDisconnect EndReason = "disconnect"
)

const (
	invitationQueue = 8
	composingQueue  = 32
)

// Composing reports a bot starting or finishing a simulated reply.
type Composing struct {
	RoomID domain.RoomID
	Bot    domain.User
	Active bool
}

type openRoom struct {
	room   domain.Room
	view   *stream.RoomView
	ctx    context.Context
	cancel context.CancelFunc
}

// Session is one connected identity: its open rooms, their message views and
// rosters, and its private messaging preferences.
type Session struct {
	id       SessionID
	self     domain.Identity
	store    core.Store
	cell     *state.Cell
	rooms    *RoomCatalog
	mod      *moderation.Machine
	orch     *orch.Orchestrator
	policy   Policy
	sync     *stream.Synchronizer
	tracker  *presence.Tracker
	announce bool
	onEnd    func(*Session, EndReason)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	open     map[domain.RoomID]*openRoom
	blocked  map[domain.UserID]bool
	allowDMs bool
	reason   EndReason

	invitations chan domain.Room
	composing   chan Composing
	done        chan struct{}
	endOnce     sync.Once
	stopWatch   func()
	unsubDMs    func()
}

func newSession(d *Directory, sid SessionID, self domain.Identity) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          sid,
		self:        self,
		store:       d.Store,
		cell:        d.Cell,
		rooms:       d.Rooms,
		mod:         d.Moderation,
		orch:        d.Orch,
		policy:      d.Policy,
		sync:        stream.New(d.Store, d.cfg.Sync),
		tracker:     presence.New(self, d.Cell, d.cfg.Locale),
		announce:    d.cfg.AnnounceJoins,
		onEnd:       d.release,
		ctx:         ctx,
		cancel:      cancel,
		open:        make(map[domain.RoomID]*openRoom),
		blocked:     make(map[domain.UserID]bool),
		allowDMs:    true,
		invitations: make(chan domain.Room, invitationQueue),
		composing:   make(chan Composing, composingQueue),
		done:        make(chan struct{}),
	}
	if s.policy == nil {
		s.policy = DefaultPolicy{}
	}

	changes, stop := d.Cell.Watch()
	s.stopWatch = stop
	go s.watch(changes)

	unsub, err := s.store.Subscribe(ctx, core.Messages, s.isOwnPrivate, s.onPrivate)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("sid", string(sid)).Msg("private message subscription failed")
	} else {
		s.unsubDMs = unsub
	}
	return s
}

func (s *Session) ID() SessionID { return s.id }

// Identity is the session user as the state cell currently knows it.
func (s *Session) Identity() domain.Identity {
	if u, ok := s.cell.User(s.self.ID); ok {
		return u.Identity()
	}
	return s.self
}

func (s *Session) user() domain.User {
	if u, ok := s.cell.User(s.self.ID); ok {
		return u
	}
	return s.self.User()
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Reason is empty while the session is running.
func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Invitations reports private rooms opened because a message arrived.
func (s *Session) Invitations() <-chan domain.Room { return s.invitations }

func (s *Session) Composing() <-chan Composing { return s.composing }

// RosterChanges signals that a roster may have to be rebuilt.
func (s *Session) RosterChanges() <-chan struct{} { return s.tracker.Changes() }

func (s *Session) ended() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// watch ends the session as soon as its own user is kicked or deleted.
func (s *Session) watch(changes <-chan state.Change) {
	for ch := range changes {
		if ch.User.ID != s.self.ID {
			continue
		}
		switch {
		case ch.Kind == state.UserDeleted:
			s.end(ReasonDeleted)
			return
		case ch.Kind == state.UserChanged && ch.User.Kicked:
			s.end(ReasonKicked)
			return
		}
	}
}

func (s *Session) end(reason EndReason) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		rooms := s.open
		s.open = make(map[domain.RoomID]*openRoom)
		s.mu.Unlock()

		for _, r := range rooms {
			r.cancel()
		}
		s.sync.CloseAll()
		s.tracker.Close()
		s.stopWatch()
		if s.unsubDMs != nil {
			s.unsubDMs()
		}
		s.cancel()
		if s.onEnd != nil {
			s.onEnd(s, reason)
		}
		close(s.done)
		log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("uid", string(s.self.ID)).Str("reason", string(reason)).Msg("session ended")
	})
}

// Logout ends the session voluntarily and marks the user offline.
func (s *Session) Logout(ctx context.Context) error {
	s.end(ReasonLogout)
	return s.mod.MarkOffline(ctx, s.self.ID)
}

// Open starts following a public room, or a private room that includes the
// session user.
func (s *Session) Open(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	if s.ended() {
		return domain.Room{}, ErrSessionClosed
	}
	if domain.IsPrivateRoomID(id) {
		peer, ok := domain.PrivatePeer(id, s.self.ID)
		if !ok {
			return domain.Room{}, fmt.Errorf("open %s: %w", id, domain.ErrAuthorization)
		}
		return s.OpenPrivate(ctx, peer)
	}
	room, ok := s.rooms.Get(id)
	if !ok {
		return domain.Room{}, fmt.Errorf("open %s: %w", id, domain.ErrNotFound)
	}
	return s.openRoom(ctx, room)
}

// OpenPrivate opens the conversation with peer, creating it on first use.
func (s *Session) OpenPrivate(ctx context.Context, peerID domain.UserID) (domain.Room, error) {
	if s.ended() {
		return domain.Room{}, ErrSessionClosed
	}
	if peerID == s.self.ID {
		return domain.Room{}, fmt.Errorf("private room with self: %w", domain.ErrValidation)
	}
	peer, ok := s.cell.User(peerID)
	if !ok || peer.IsBot {
		return domain.Room{}, fmt.Errorf("private room with %s: %w", peerID, domain.ErrNotFound)
	}
	return s.openRoom(ctx, s.rooms.GetOrCreatePrivate(s.user(), peer))
}

func (s *Session) openRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	s.mu.Lock()
	if s.reason != "" {
		s.mu.Unlock()
		return domain.Room{}, ErrSessionClosed
	}
	if r, ok := s.open[room.ID]; ok {
		s.mu.Unlock()
		return r.room, nil
	}
	rctx, cancel := context.WithCancel(s.ctx)
	r := &openRoom{room: room, ctx: rctx, cancel: cancel}
	r.view = s.sync.Open(ctx, room.ID)
	s.open[room.ID] = r
	s.mu.Unlock()

	log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("room", string(room.ID)).Msg("room opened")
	if s.announce && !room.IsPrivate() {
		s.announceJoin(ctx, r)
	}
	return room, nil
}

func (s *Session) announceJoin(ctx context.Context, r *openRoom) {
	self := s.Identity()
	msg := domain.Message{
		RoomID:     r.room.ID,
		SenderID:   self.ID,
		SenderName: self.DisplayName,
		Body:       self.DisplayName + " joined",
		Kind:       domain.KindSystem,
		FromHuman:  true,
	}
	if _, err := s.create(ctx, r, msg); err != nil {
		log.Debug().Err(err).Str("module", "app.session").Str("room", string(r.room.ID)).Msg("join announcement rejected")
	}
}

// Close stops following id. In-flight bot pacing for the room is cancelled.
func (s *Session) Close(id domain.RoomID) {
	s.mu.Lock()
	r, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	s.sync.Close(id)
	log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("room", string(id)).Msg("room closed")
}

func (s *Session) IsOpen(id domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[id]
	return ok
}

func (s *Session) OpenRooms() []domain.Room {
	s.mu.Lock()
	out := make([]domain.Room, 0, len(s.open))
	for _, r := range s.open {
		out = append(out, r.room)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) lookup(id domain.RoomID) (*openRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.open[id]
	if !ok {
		return nil, fmt.Errorf("room %s is not open: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// View exposes the message view of an open room to transports.
func (s *Session) View(id domain.RoomID) (*stream.RoomView, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.view, nil
}

func (s *Session) Messages(id domain.RoomID) ([]domain.Message, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.view.Messages(), nil
}

func (s *Session) Roster(id domain.RoomID) ([]domain.User, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.tracker.Roster(r.room, r.view.Messages()), nil
}

// Send posts d to an open room and hands human text to the bots.
func (s *Session) Send(ctx context.Context, id domain.RoomID, d domain.Draft) (domain.Message, error) {
	if err := d.Validate(); err != nil {
		return domain.Message{}, err
	}
	if s.ended() {
		return domain.Message{}, ErrSessionClosed
	}
	r, err := s.lookup(id)
	if err != nil {
		return domain.Message{}, err
	}

	sender := s.user()
	sc := SendContext{Sender: sender, Room: r.room, Muted: s.cell.Muted(id)}
	if peer, ok := domain.PrivatePeer(id, sender.ID); ok {
		sc.PeerBlocked = s.Blocked(peer)
	}
	if err := s.policy.BeforeSend(sc); err != nil {
		return domain.Message{}, fmt.Errorf("send to %s: %w", id, err)
	}

	kind := d.Kind
	if kind == "" || kind == domain.KindSystem {
		kind = domain.KindText
	}
	msg, err := s.create(ctx, r, domain.Message{
		RoomID:          id,
		SenderID:        sender.ID,
		SenderName:      sender.DisplayName,
		SenderAvatarRef: sender.AvatarRef,
		Body:            strings.TrimSpace(d.Body),
		Kind:            kind,
		AttachmentRef:   d.AttachmentRef,
		FromHuman:       true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrKicked) {
			s.end(ReasonKicked)
		}
		return domain.Message{}, fmt.Errorf("send to %s: %w", id, err)
	}
	s.orchestrate(r, msg)
	return msg, nil
}

// create writes msg as the session user and merges the stored copy.
func (s *Session) create(ctx context.Context, r *openRoom, msg domain.Message) (domain.Message, error) {
	rec, err := s.store.Create(core.WithActor(ctx, s.self.ID), core.Messages, core.MessageFields(msg))
	if err != nil {
		return domain.Message{}, err
	}
	stored, err := core.MessageFromRecord(rec)
	if err != nil {
		return domain.Message{}, err
	}
	r.view.Merge(stored)
	return stored, nil
}

func (s *Session) orchestrate(r *openRoom, trigger domain.Message) {
	if s.orch == nil || !orch.Triggers(trigger) {
		return
	}
	out := s.orch.OnHumanMessage(r.ctx, orch.Request{
		Room:    r.room,
		Trigger: trigger,
		Roster:  s.tracker.Roster(r.room, r.view.Messages()),
		History: r.view.Messages,
		Post: func(ctx context.Context, bot domain.User, text string) (domain.Message, error) {
			return s.create(ctx, r, domain.Message{
				RoomID:          r.room.ID,
				SenderID:        bot.ID,
				SenderName:      bot.DisplayName,
				SenderAvatarRef: bot.AvatarRef,
				Body:            text,
				Kind:            domain.KindText,
			})
		},
		IsOpen: func() bool { return s.IsOpen(r.room.ID) },
		OnComposing: func(bot domain.User, active bool) {
			select {
			case s.composing <- Composing{RoomID: r.room.ID, Bot: bot, Active: active}:
			default:
			}
		},
	})
	go func() {
		o := <-out
		log.Debug().Str("module", "app.session").Str("room", string(r.room.ID)).
			Int("replies", len(o.Replies)).Bool("superseded", o.Superseded).AnErr("err", o.Err).Msg("bot run finished")
	}()
}

func (s *Session) isOwnPrivate(r core.Record) bool {
	_, ok := domain.PrivatePeer(domain.RoomID(core.String(r.Fields, core.FieldRoom)), s.self.ID)
	return ok
}

// onPrivate opens private rooms that receive a message while closed, unless
// the user turned private messages off or blocked the sender.
func (s *Session) onPrivate(ev core.Event) {
	if ev.Action != core.ActionCreate || s.ended() {
		return
	}
	m, err := core.MessageFromRecord(ev.Record)
	if err != nil || m.SenderID == s.self.ID || s.IsOpen(m.RoomID) {
		return
	}
	peer, _ := domain.PrivatePeer(m.RoomID, s.self.ID)
	s.mu.Lock()
	allowed := s.allowDMs && !s.blocked[peer]
	s.mu.Unlock()
	if !allowed {
		log.Debug().Str("module", "app.session").Str("sid", string(s.id)).Str("from", string(peer)).Msg("private message ignored")
		return
	}
	room, err := s.OpenPrivate(s.ctx, peer)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.session").Str("from", string(peer)).Msg("auto-open failed")
		return
	}
	select {
	case s.invitations <- room:
	default:
		log.Warn().Str("module", "app.session").Str("sid", string(s.id)).Msg("invitation dropped")
	}
}

func (s *Session) Block(id domain.UserID) {
	s.mu.Lock()
	s.blocked[id] = true
	s.mu.Unlock()
}

func (s *Session) Unblock(id domain.UserID) {
	s.mu.Lock()
	delete(s.blocked, id)
	s.mu.Unlock()
}

func (s *Session) Blocked(id domain.UserID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[id]
}

func (s *Session) SetAllowDMs(allow bool) {
	s.mu.Lock()
	s.allowDMs = allow
	s.mu.Unlock()
}

func (s *Session) Kick(ctx context.Context, target domain.UserID) (moderation.Outcome, error) {
	return s.mod.Kick(ctx, s.Identity(), target)
}

func (s *Session) Ban(ctx context.Context, target domain.UserID) (moderation.Outcome, error) {
	return s.mod.Ban(ctx, s.Identity(), target)
}

func (s *Session) Unban(ctx context.Context, email string) (moderation.Outcome, error) {
	return s.mod.Unban(ctx, s.Identity(), email)
}

func (s *Session) BanList(ctx context.Context) ([]domain.BanRecord, error) {
	return s.mod.BanList(ctx, s.Identity())
}

func (s *Session) GrantOperator(ctx context.Context, target domain.UserID) (moderation.Outcome, error) {
	return s.mod.GrantOperator(ctx, s.Identity(), target)
}

func (s *Session) RevokeOperator(ctx context.Context, target domain.UserID) (moderation.Outcome, error) {
	return s.mod.RevokeOperator(ctx, s.Identity(), target)
}

func (s *Session) MuteRoom(ctx context.Context, id domain.RoomID) (moderation.Outcome, error) {
	return s.mod.MuteRoom(ctx, s.Identity(), id)
}

func (s *Session) UnmuteRoom(ctx context.Context, id domain.RoomID) (moderation.Outcome, error) {
	return s.mod.UnmuteRoom(ctx, s.Identity(), id)
}
