package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/store"
	"github.com/dkeye/Lounge/internal/adapters/store/memory"
	"github.com/dkeye/Lounge/internal/app/orch"
	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/app/stream"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"golang.org/x/text/language"
)

type scriptedReasoner struct {
	mu    sync.Mutex
	calls int
	reply []core.Decision
}

func (r *scriptedReasoner) Decide(ctx context.Context, p core.Prompt) ([]core.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.reply, nil
}

func (r *scriptedReasoner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type allowAll struct{}

func (allowAll) BeforeSend(SendContext) error { return nil }

type fixture struct {
	st       *memory.Store
	cell     *state.Cell
	dir      *Directory
	reasoner *scriptedReasoner
	seq      int
}

// slowEcho hands store events to subscribers after a fixed delay.
type slowEcho struct {
	*memory.Store
	delay time.Duration
}

func (s slowEcho) Subscribe(ctx context.Context, coll core.Collection, predicate func(core.Record) bool, onEvent func(core.Event)) (func(), error) {
	return s.Store.Subscribe(ctx, coll, predicate, func(ev core.Event) {
		time.AfterFunc(s.delay, func() { onEvent(ev) })
	})
}

func newFixture(t *testing.T) *fixture {
	return newEchoFixture(t, 0)
}

// newEchoFixture delays the store events reaching the cell by echo.
func newEchoFixture(t *testing.T, echo time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		st:       memory.New(memory.WithAdmins([]string{"root@example.com"}), memory.WithBots(store.Bots{"lab": {"bot-ada"}})),
		cell:     state.New(),
		reasoner: &scriptedReasoner{},
	}
	var src core.Store = f.st
	if echo > 0 {
		src = slowEcho{Store: f.st, delay: echo}
	}
	if err := f.cell.Attach(ctx, src); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(f.cell.Close)

	rooms := NewRoomCatalog([]domain.Room{
		{ID: "general", Topic: "anything goes"},
		{ID: "lab", Topic: "science", Bots: []domain.User{{ID: "bot-ada", DisplayName: "Ada", Persona: "curious"}}},
	})
	o := orch.New(f.reasoner, orch.Config{PerRune: time.Microsecond, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	f.dir = NewDirectory(f.st, f.st, f.cell, rooms, o, DirectoryConfig{
		Sync:   stream.Config{PollInterval: 50 * time.Millisecond},
		Locale: language.Turkish,
	})
	t.Cleanup(f.dir.Close)
	return f
}

func (f *fixture) register(t *testing.T, email, name string) {
	t.Helper()
	if _, err := f.dir.Register(context.Background(), core.Registration{Email: email, Secret: "secret123", DisplayName: name}); err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
}

func (f *fixture) connect(t *testing.T, email string) *Session {
	t.Helper()
	ctx := context.Background()
	id, err := f.dir.Login(ctx, email, "secret123")
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	f.seq++
	s, err := f.dir.Connect(ctx, SessionID(fmt.Sprintf("%s#%d", email, f.seq)), id)
	if err != nil {
		t.Fatalf("connect %s: %v", email, err)
	}
	return s
}

func (f *fixture) join(t *testing.T, email, name string) *Session {
	t.Helper()
	f.register(t, email, name)
	return f.connect(t, email)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendWithoutBotsAppendsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ayse := f.join(t, "ayse@example.com", "Ayşe")

	if _, err := ayse.Open(ctx, "general"); err != nil {
		t.Fatalf("open: %v", err)
	}
	sent, err := ayse.Send(ctx, "general", domain.Draft{Body: "merhaba"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// Let the push echo and a poll pass through the view.
	time.Sleep(150 * time.Millisecond)

	msgs, err := ayse.Messages("general")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID || msgs[0].Body != "merhaba" || msgs[0].SenderName != "Ayşe" {
		t.Fatalf("messages = %+v", msgs)
	}
	if n := f.reasoner.Calls(); n != 0 {
		t.Fatalf("reasoner called %d times without bots", n)
	}
	roster, err := ayse.Roster("general")
	if err != nil || len(roster) == 0 || roster[0].ID != ayse.Identity().ID {
		t.Fatalf("roster = %+v, %v", roster, err)
	}
}

func TestSendValidatesBeforeAnyWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.join(t, "a@example.com", "a")

	if _, err := s.Send(ctx, "general", domain.Draft{Body: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank send err = %v", err)
	}
	if _, err := s.Send(ctx, "general", domain.Draft{Body: "hi"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("send to closed room err = %v", err)
	}
	if recs, _ := f.st.List(ctx, core.Messages, core.Query{}); len(recs) != 0 {
		t.Fatalf("rejected sends were written: %d", len(recs))
	}
}

func TestMutedRoomRejectsMembersAndAcceptsAdmins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.join(t, "root@example.com", "root")
	member := f.join(t, "m@example.com", "mia")
	// A session whose client-side gate lets everything through still hits the
	// store's rule.
	f.dir.Policy = allowAll{}
	f.register(t, "x@example.com", "xavier")
	ungated := f.connect(t, "x@example.com")

	for _, s := range []*Session{admin, member, ungated} {
		if _, err := s.Open(ctx, "general"); err != nil {
			t.Fatalf("open: %v", err)
		}
	}
	if out, err := admin.MuteRoom(ctx, "general"); err != nil || !out.Applied {
		t.Fatalf("mute = %+v, %v", out, err)
	}

	if _, err := member.Send(ctx, "general", domain.Draft{Body: "hello?"}); !errors.Is(err, domain.ErrMuted) {
		t.Fatalf("member send err = %v", err)
	}
	if _, err := ungated.Send(ctx, "general", domain.Draft{Body: "hello?"}); !errors.Is(err, domain.ErrMuted) {
		t.Fatalf("ungated send err = %v", err)
	}
	if _, err := admin.Send(ctx, "general", domain.Draft{Body: "quiet please"}); err != nil {
		t.Fatalf("admin send: %v", err)
	}
	if msgs, _ := admin.Messages("general"); len(msgs) != 1 || msgs[0].Body != "quiet please" {
		t.Fatalf("admin view = %+v", msgs)
	}
	recs, _ := f.st.List(ctx, core.Messages, core.Query{})
	if len(recs) != 1 {
		t.Fatalf("stored messages = %d, want 1", len(recs))
	}
	eventually(t, "member view to receive the admin message", func() bool {
		msgs, _ := member.Messages("general")
		return len(msgs) == 1
	})
}

func TestKickTerminatesSessionUntilNextLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.join(t, "root@example.com", "root")
	member := f.join(t, "m@example.com", "mia")
	if _, err := member.Open(ctx, "general"); err != nil {
		t.Fatalf("open: %v", err)
	}
	memberID := member.Identity().ID

	changes, stop := f.cell.Watch()
	defer stop()
	if out, err := admin.Kick(ctx, memberID); err != nil || !out.Applied {
		t.Fatalf("kick = %+v, %v", out, err)
	}
	select {
	case <-member.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kicked session still running")
	}
	if member.Reason() != ReasonKicked || len(member.OpenRooms()) != 0 {
		t.Fatalf("reason = %q, rooms = %v", member.Reason(), member.OpenRooms())
	}
	if _, ok := f.dir.Get(member.ID()); ok {
		t.Fatal("kicked session still registered")
	}
	if _, err := member.Send(ctx, "general", domain.Draft{Body: "still here"}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("send after kick err = %v", err)
	}

	// Wait for the store's echo so a late confirmation cannot undo the reset.
	for confirmed := false; !confirmed; {
		select {
		case ch := <-changes:
			confirmed = ch.Confirmed && ch.User.ID == memberID && ch.User.Kicked
		case <-time.After(2 * time.Second):
			t.Fatal("kick never confirmed")
		}
	}
	if _, err := f.dir.Connect(ctx, "again", member.Identity()); !errors.Is(err, domain.ErrKicked) {
		t.Fatalf("connect while kicked err = %v", err)
	}
	again := f.connect(t, "m@example.com")
	if again.Reason() != "" {
		t.Fatalf("fresh session reason = %q", again.Reason())
	}
}

func TestKickedUserGoesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.join(t, "root@example.com", "root")
	member := f.join(t, "m@example.com", "mia")
	id := member.Identity()
	if u, _ := f.cell.User(id.ID); !u.Online {
		t.Fatal("connected user is not online")
	}

	if out, err := admin.Kick(ctx, id.ID); err != nil || !out.Applied {
		t.Fatalf("kick = %+v, %v", out, err)
	}
	select {
	case <-member.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kicked session still running")
	}
	if f.dir.Disconnect(ctx, member.ID()) {
		t.Fatal("disconnect of an ended session reported true")
	}
	if u, _ := f.cell.User(id.ID); u.Online || !u.Kicked {
		t.Fatalf("kicked user = %+v", u)
	}
	recs, err := f.st.List(ctx, core.Users, core.Query{Filter: map[string]any{core.FieldOnline: true}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, r := range recs {
		if r.ID == string(id.ID) {
			t.Fatal("store still lists the kicked user online")
		}
	}

	again := f.connect(t, "m@example.com")
	if u, _ := f.cell.User(id.ID); !u.Online || u.Kicked {
		t.Fatalf("user after login = %+v", u)
	}
	f.dir.Disconnect(ctx, again.ID())
	if u, _ := f.cell.User(id.ID); u.Online {
		t.Fatal("user online after last disconnect")
	}
	// a still valid token reconnects without a fresh login
	if _, err := f.dir.Connect(ctx, "resume", id); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if u, _ := f.cell.User(id.ID); !u.Online {
		t.Fatal("reconnected user is not online")
	}
}

func TestLateKickEchoKeepsFreshSession(t *testing.T) {
	f := newEchoFixture(t, 300*time.Millisecond)
	ctx := context.Background()
	admin := f.join(t, "root@example.com", "root")
	member := f.join(t, "m@example.com", "mia")
	memberID := member.Identity().ID

	if out, err := admin.Kick(ctx, memberID); err != nil || !out.Applied {
		t.Fatalf("kick = %+v, %v", out, err)
	}
	select {
	case <-member.Done():
	case <-time.After(time.Second):
		t.Fatal("kicked session still running")
	}

	// log back in before the store's kick event reaches the cell
	fresh := f.connect(t, "m@example.com")
	select {
	case <-fresh.Done():
		t.Fatalf("fresh session ended: %q", fresh.Reason())
	case <-time.After(600 * time.Millisecond):
	}
	if u, _ := f.cell.User(memberID); u.Kicked || !u.Online {
		t.Fatalf("user after delayed events = %+v", u)
	}
	if _, ok := f.dir.Get(fresh.ID()); !ok {
		t.Fatal("fresh session unbound")
	}
}

func TestBannedIdentityCannotConnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.join(t, "root@example.com", "root")
	member := f.join(t, "m@example.com", "mia")
	id := member.Identity()

	if out, err := admin.Ban(ctx, id.ID); err != nil || !out.Applied {
		t.Fatalf("ban = %+v, %v", out, err)
	}
	<-member.Done()
	if _, err := f.dir.Login(ctx, "m@example.com", "secret123"); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("login err = %v", err)
	}
	if _, err := f.dir.Connect(ctx, "stale-token", id); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("connect err = %v", err)
	}
}

func TestPrivateMessagesAutoOpenUnlessBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.join(t, "a@example.com", "ana")
	b := f.join(t, "b@example.com", "bora")
	c := f.join(t, "c@example.com", "cem")
	aID := a.Identity().ID

	room, err := b.OpenPrivate(ctx, aID)
	if err != nil {
		t.Fatalf("open private: %v", err)
	}
	if room.ID != domain.PrivateRoomID(aID, b.Identity().ID) || room.Name != "ana" {
		t.Fatalf("room = %+v", room)
	}
	if _, err := b.Send(ctx, room.ID, domain.Draft{Body: "selam"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case inv := <-a.Invitations():
		if inv.ID != room.ID || inv.Name != "bora" {
			t.Fatalf("invitation = %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no invitation")
	}
	eventually(t, "private message in a's view", func() bool {
		msgs, _ := a.Messages(room.ID)
		return len(msgs) == 1 && msgs[0].Body == "selam"
	})

	a.Block(b.Identity().ID)
	if _, err := a.Send(ctx, room.ID, domain.Draft{Body: "go away"}); !errors.Is(err, domain.ErrBlocked) {
		t.Fatalf("send to blocked peer err = %v", err)
	}
	a.Close(room.ID)
	if _, err := b.Send(ctx, room.ID, domain.Draft{Body: "hello again"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	a.SetAllowDMs(false)
	cRoom, err := c.OpenPrivate(ctx, aID)
	if err != nil {
		t.Fatalf("open private: %v", err)
	}
	if _, err := c.Send(ctx, cRoom.ID, domain.Draft{Body: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case inv := <-a.Invitations():
		t.Fatalf("unexpected invitation %+v", inv)
	case <-time.After(150 * time.Millisecond):
	}
	if a.IsOpen(room.ID) || a.IsOpen(cRoom.ID) {
		t.Fatalf("rooms opened despite block / disabled DMs: %v", a.OpenRooms())
	}

	if _, err := c.Open(ctx, room.ID); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("foreign private open err = %v", err)
	}
}

func TestBotsReplyThroughSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reasoner.reply = []core.Decision{
		{ParticipantID: "bot-ada", Text: "Merhaba! What are we testing today?"},
		{ParticipantID: "bot-ghost", Text: "nobody knows me"},
	}
	s := f.join(t, "ayse@example.com", "Ayşe")
	if _, err := s.Open(ctx, "lab"); err != nil {
		t.Fatalf("open: %v", err)
	}
	roster, _ := s.Roster("lab")
	if len(roster) != 2 || !roster[1].IsBot {
		t.Fatalf("roster = %+v", roster)
	}

	if _, err := s.Send(ctx, "lab", domain.Draft{Body: "merhaba"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "bot reply", func() bool {
		msgs, _ := s.Messages("lab")
		return len(msgs) == 2
	})
	msgs, _ := s.Messages("lab")
	if reply := msgs[1]; reply.SenderID != "bot-ada" || reply.FromHuman || reply.SenderName != "Ada" {
		t.Fatalf("reply = %+v", reply)
	}

	var seen []bool
	for len(seen) < 2 {
		select {
		case c := <-s.Composing():
			seen = append(seen, c.Active)
		case <-time.After(time.Second):
			t.Fatalf("composing events = %v", seen)
		}
	}
	if !seen[0] || seen[1] {
		t.Fatalf("composing order = %v", seen)
	}

	if _, err := s.Send(ctx, "lab", domain.Draft{Body: "!roll"}); err != nil {
		t.Fatalf("command send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := f.reasoner.Calls(); n != 1 {
		t.Fatalf("reasoner calls = %d, commands must not trigger", n)
	}
}

func TestDisconnectMarksOfflineAfterLastSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.join(t, "a@example.com", "a")
	second := f.connect(t, "a@example.com")
	id := first.Identity().ID

	if len(f.dir.SessionsOf(id)) != 2 {
		t.Fatalf("sessions = %d", len(f.dir.SessionsOf(id)))
	}
	if !f.dir.Disconnect(ctx, first.ID()) {
		t.Fatal("disconnect of bound session failed")
	}
	if u, _ := f.cell.User(id); !u.Online {
		t.Fatal("user offline while a session remains")
	}
	f.dir.Disconnect(ctx, second.ID())
	eventually(t, "user to go offline", func() bool {
		u, _ := f.cell.User(id)
		return !u.Online
	})
	if second.Reason() != ReasonDisconnect || f.dir.Disconnect(ctx, second.ID()) {
		t.Fatalf("reason = %q", second.Reason())
	}
}

func TestOpenUnknownRoom(t *testing.T) {
	f := newFixture(t)
	s := f.join(t, "a@example.com", "a")
	if _, err := s.Open(context.Background(), "nowhere"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.OpenPrivate(context.Background(), s.Identity().ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("self private err = %v", err)
	}
}
