package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/store"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
)

func register(t *testing.T, s *Store, email, name string) core.Record {
	t.Helper()
	rec, err := s.Register(context.Background(), core.Registration{Email: email, Secret: "secret123", DisplayName: name})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return rec
}

func as(id string) context.Context {
	return core.WithActor(context.Background(), domain.UserID(id))
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := New(WithAdmins([]string{"Root@Example.com"}))
	admin := register(t, s, "root@example.com", "root")
	if got := core.String(admin.Fields, core.FieldAuthority); got != "admin" {
		t.Fatalf("authority = %q, want admin", got)
	}
	if _, err := s.Register(context.Background(), core.Registration{Email: "ROOT@example.com", Secret: "secret123"}); !errors.Is(err, domain.ErrEmailTaken) {
		t.Fatalf("duplicate register err = %v", err)
	}
	if _, err := s.Authenticate(context.Background(), "root@example.com", "wrong-one"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("wrong secret err = %v", err)
	}
	rec, err := s.Authenticate(context.Background(), " Root@Example.com ", "secret123")
	if err != nil || rec.ID != admin.ID {
		t.Fatalf("authenticate = %v, %v", rec.ID, err)
	}
}

func TestAuthenticateRejectsBannedBeforeSecret(t *testing.T) {
	s := New(WithAdmins([]string{"root@example.com"}))
	admin := register(t, s, "root@example.com", "root")
	target := register(t, s, "e@example.com", "eve")

	if _, err := s.Create(as(admin.ID), core.Bans, map[string]any{core.FieldEmail: "e@example.com", core.FieldUserID: target.ID}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	for _, secret := range []string{"secret123", "anything"} {
		if _, err := s.Authenticate(context.Background(), "e@example.com", secret); !errors.Is(err, domain.ErrBanned) {
			t.Fatalf("authenticate(%q) err = %v, want ErrBanned", secret, err)
		}
	}
}

func TestMutedRoomAcceptsOnlyAdmins(t *testing.T) {
	s := New(WithAdmins([]string{"root@example.com"}))
	admin := register(t, s, "root@example.com", "root")
	member := register(t, s, "m@example.com", "mia")

	if _, err := s.Create(as(member.ID), core.RoomStates, map[string]any{core.FieldRoomID: "general", core.FieldMuted: true}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("member mute err = %v", err)
	}
	if _, err := s.Create(as(admin.ID), core.RoomStates, map[string]any{core.FieldRoomID: "general", core.FieldMuted: true}); err != nil {
		t.Fatalf("admin mute: %v", err)
	}

	msg := func(sender string) map[string]any {
		return map[string]any{core.FieldRoom: "general", core.FieldSenderID: sender, core.FieldText: "hi", core.FieldIsUser: true}
	}
	if _, err := s.Create(as(member.ID), core.Messages, msg(member.ID)); !errors.Is(err, domain.ErrMuted) {
		t.Fatalf("member send err = %v, want ErrMuted", err)
	}
	if _, err := s.Create(as(admin.ID), core.Messages, msg(admin.ID)); err != nil {
		t.Fatalf("admin send: %v", err)
	}
	recs, _ := s.List(context.Background(), core.Messages, core.Query{Filter: map[string]any{core.FieldRoom: "general"}})
	if len(recs) != 1 || core.String(recs[0].Fields, core.FieldSenderID) != admin.ID {
		t.Fatalf("messages = %+v", recs)
	}
}

func TestMessageRules(t *testing.T) {
	s := New(WithBots(store.Bots{"general": {"bot-1"}}))
	a := register(t, s, "a@example.com", "a")
	b := register(t, s, "b@example.com", "b")
	c := register(t, s, "c@example.com", "c")

	cases := []struct {
		name   string
		ctx    context.Context
		fields map[string]any
		want   error
	}{
		{"no actor", context.Background(), map[string]any{core.FieldRoom: "general", core.FieldSenderID: a.ID, core.FieldText: "x", core.FieldIsUser: true}, domain.ErrAuthorization},
		{"impersonation", as(a.ID), map[string]any{core.FieldRoom: "general", core.FieldSenderID: b.ID, core.FieldText: "x", core.FieldIsUser: true}, domain.ErrAuthorization},
		{"empty", as(a.ID), map[string]any{core.FieldRoom: "general", core.FieldSenderID: a.ID, core.FieldText: "  ", core.FieldIsUser: true}, domain.ErrValidation},
		{"foreign private room", as(c.ID), map[string]any{core.FieldRoom: string(domain.PrivateRoomID(domain.UserID(a.ID), domain.UserID(b.ID))), core.FieldSenderID: c.ID, core.FieldText: "x", core.FieldIsUser: true}, domain.ErrAuthorization},
		{"bot reply", as(a.ID), map[string]any{core.FieldRoom: "general", core.FieldSenderID: "bot-1", core.FieldText: "x", core.FieldIsUser: false}, nil},
		{"bot of another room", as(a.ID), map[string]any{core.FieldRoom: "lab", core.FieldSenderID: "bot-1", core.FieldText: "x", core.FieldIsUser: false}, domain.ErrAuthorization},
		{"human posing as bot", as(a.ID), map[string]any{core.FieldRoom: "general", core.FieldSenderID: b.ID, core.FieldSenderName: "b", core.FieldText: "x", core.FieldIsUser: false}, domain.ErrAuthorization},
		{"private member", as(b.ID), map[string]any{core.FieldRoom: string(domain.PrivateRoomID(domain.UserID(a.ID), domain.UserID(b.ID))), core.FieldSenderID: b.ID, core.FieldText: "x", core.FieldIsUser: true}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Create(tc.ctx, core.Messages, tc.fields)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestUserUpdateRules(t *testing.T) {
	s := New(WithAdmins([]string{"root@example.com"}))
	admin := register(t, s, "root@example.com", "root")
	op := register(t, s, "op@example.com", "op")
	m := register(t, s, "m@example.com", "m")

	if _, err := s.Update(as(admin.ID), core.Users, op.ID, map[string]any{core.FieldAuthority: "operator"}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := s.Update(as(m.ID), core.Users, op.ID, map[string]any{core.FieldKicked: true}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("member kick err = %v", err)
	}
	if _, err := s.Update(as(op.ID), core.Users, admin.ID, map[string]any{core.FieldKicked: true}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("outranked kick err = %v", err)
	}
	if _, err := s.Update(as(op.ID), core.Users, m.ID, map[string]any{core.FieldKicked: true}); err != nil {
		t.Fatalf("operator kick: %v", err)
	}
	if _, err := s.Update(as(m.ID), core.Users, m.ID, map[string]any{core.FieldKicked: false, core.FieldOnline: true}); err != nil {
		t.Fatalf("self reset: %v", err)
	}
	if _, err := s.Update(as(m.ID), core.Users, m.ID, map[string]any{core.FieldAuthority: "admin"}); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("self promotion err = %v", err)
	}
	if _, err := s.Update(as(admin.ID), core.Users, "missing", map[string]any{core.FieldOnline: true}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing user err = %v", err)
	}
}

func TestListOrdersAndLimits(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return base }))
	a := register(t, s, "a@example.com", "a")
	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.Create(as(a.ID), core.Messages, map[string]any{core.FieldRoom: "general", core.FieldSenderID: a.ID, core.FieldText: text, core.FieldIsUser: true}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	recs, err := s.List(context.Background(), core.Messages, core.Query{Sort: "created", Desc: true, Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || core.String(recs[0].Fields, core.FieldText) != "three" || core.String(recs[1].Fields, core.FieldText) != "two" {
		t.Fatalf("unexpected page %+v", recs)
	}
}

func TestSubscribeAppliesPredicate(t *testing.T) {
	s := New()
	a := register(t, s, "a@example.com", "a")
	got := make(chan string, 4)
	unsubscribe, err := s.Subscribe(context.Background(), core.Messages,
		func(r core.Record) bool { return core.String(r.Fields, core.FieldRoom) == "general" },
		func(ev core.Event) { got <- core.String(ev.Record.Fields, core.FieldText) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	for _, room := range []string{"random", "general"} {
		_, err := s.Create(as(a.ID), core.Messages, map[string]any{core.FieldRoom: room, core.FieldSenderID: a.ID, core.FieldText: room, core.FieldIsUser: true})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	select {
	case text := <-got:
		if text != "general" {
			t.Fatalf("delivered %q", text)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}
