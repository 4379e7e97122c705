package app

import (
	"errors"
	"testing"

	"github.com/dkeye/Lounge/internal/domain"
)

func TestRoomCatalogPublicRooms(t *testing.T) {
	c := NewRoomCatalog([]domain.Room{
		{ID: "general"},
		{ID: "private_a_b"},
		{ID: ""},
		{ID: "lab", Name: "Lab", Bots: []domain.User{{ID: "bot-1"}}},
		{ID: "general", Name: "dup"},
	})
	pub := c.Public()
	if len(pub) != 2 || pub[0].ID != "general" || pub[1].ID != "lab" {
		t.Fatalf("public = %+v", pub)
	}
	if pub[0].Name != "general" || pub[0].Kind != domain.RoomPublic {
		t.Fatalf("defaults not applied: %+v", pub[0])
	}
	if !pub[1].Bots[0].IsBot {
		t.Fatal("configured bots must be flagged")
	}
}

func TestRoomCatalogPrivateRooms(t *testing.T) {
	c := NewRoomCatalog(nil)
	a := domain.User{ID: "u1", DisplayName: "Ayşe"}
	b := domain.User{ID: "u2", DisplayName: "Bora"}

	fromA := c.GetOrCreatePrivate(a, b)
	fromB := c.GetOrCreatePrivate(b, a)
	if fromA.ID != fromB.ID || fromA.ID != "private_u1_u2" {
		t.Fatalf("ids %q / %q", fromA.ID, fromB.ID)
	}
	if fromA.Name != "Bora" || fromB.Name != "Ayşe" {
		t.Fatalf("names %q / %q", fromA.Name, fromB.Name)
	}
	if got := c.PrivateOf("u2"); len(got) != 1 || got[0] != fromA.ID {
		t.Fatalf("private of u2 = %v", got)
	}
	if got := c.PrivateOf("u3"); len(got) != 0 {
		t.Fatalf("private of u3 = %v", got)
	}
}

func TestDefaultPolicy(t *testing.T) {
	private := domain.Room{ID: "private_a_b", Kind: domain.RoomPrivate}
	public := domain.Room{ID: "general", Kind: domain.RoomPublic}
	cases := []struct {
		name string
		sc   SendContext
		want error
	}{
		{"member in open room", SendContext{Sender: domain.User{}, Room: public}, nil},
		{"kicked", SendContext{Sender: domain.User{Kicked: true, Authority: domain.Admin}, Room: public}, domain.ErrKicked},
		{"member in muted room", SendContext{Sender: domain.User{Authority: domain.Operator}, Room: public, Muted: true}, domain.ErrMuted},
		{"admin in muted room", SendContext{Sender: domain.User{Authority: domain.Admin}, Room: public, Muted: true}, nil},
		{"blocked peer", SendContext{Room: private, PeerBlocked: true}, domain.ErrBlocked},
		{"blocked flag ignored in public room", SendContext{Room: public, PeerBlocked: true}, nil},
	}
	for _, tc := range cases {
		err := DefaultPolicy{}.BeforeSend(tc.sc)
		if tc.want == nil && err != nil || tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}
