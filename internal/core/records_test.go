package core

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
)

func TestMessageFromRecordRejectsMissingFields(t *testing.T) {
	bad := []Record{
		{ID: "", Fields: map[string]any{FieldRoom: "general", FieldSenderID: "u1"}},
		{ID: "m1", Fields: map[string]any{FieldSenderID: "u1"}},
		{ID: "m1", Fields: map[string]any{FieldRoom: "general", FieldSenderID: 7}},
	}
	for i, r := range bad {
		if _, err := MessageFromRecord(r); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, r)
		}
	}
}

func TestMessageFromRecord(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m, err := MessageFromRecord(Record{
		ID:      "m1",
		Created: created,
		Fields: map[string]any{
			FieldRoom:       "general",
			FieldSenderID:   "u1",
			FieldSenderName: "Ayşe",
			FieldText:       "merhaba",
			FieldKind:       "bogus",
			FieldIsUser:     float64(1),
		},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Kind != domain.KindText || !m.FromHuman || m.Body != "merhaba" || !m.CreatedAt.Equal(created) {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestUserFromRecordDefaultsToMember(t *testing.T) {
	u, err := UserFromRecord(Record{ID: "u9", Fields: map[string]any{FieldAuthority: "superuser", FieldKicked: "true"}})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Authority != domain.Member {
		t.Fatalf("authority = %v, want member", u.Authority)
	}
	if !u.Kicked {
		t.Fatalf("kicked flag not decoded from string")
	}
	if u.DisplayName != "user_u9" {
		t.Fatalf("display name fallback = %q", u.DisplayName)
	}
}

func TestActorRoundTrip(t *testing.T) {
	if _, ok := ActorFrom(context.Background()); ok {
		t.Fatalf("empty context must carry no actor")
	}
	ctx := WithActor(context.Background(), "u1")
	if id, ok := ActorFrom(ctx); !ok || id != "u1" {
		t.Fatalf("ActorFrom = %q, %v", id, ok)
	}
}
