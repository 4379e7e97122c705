package domain

import (
	"errors"
	"testing"
)

func TestPrivateRoomIDIsOrderIndependent(t *testing.T) {
	pairs := [][2]UserID{
		{"u1", "u2"},
		{"zeta", "alpha"},
		{"a_b", "c"},
		{"same", "same"},
		{"", "x"},
	}
	for _, p := range pairs {
		if PrivateRoomID(p[0], p[1]) != PrivateRoomID(p[1], p[0]) {
			t.Fatalf("PrivateRoomID(%q,%q) differs by order", p[0], p[1])
		}
	}
	if got := PrivateRoomID("u2", "u1"); got != "private_u1_u2" {
		t.Fatalf("PrivateRoomID = %q, want %q", got, "private_u1_u2")
	}
}

func TestPrivatePeer(t *testing.T) {
	id := PrivateRoomID("a_b", "c")
	peer, ok := PrivatePeer(id, "c")
	if !ok || peer != "a_b" {
		t.Fatalf("PrivatePeer(%q, c) = %q, %v", id, peer, ok)
	}
	peer, ok = PrivatePeer(id, "a_b")
	if !ok || peer != "c" {
		t.Fatalf("PrivatePeer(%q, a_b) = %q, %v", id, peer, ok)
	}
	if _, ok := PrivatePeer(id, "b"); ok {
		t.Fatalf("expected b not to be a member of %q", id)
	}
	if _, ok := PrivatePeer("general", "c"); ok {
		t.Fatalf("public room must have no private peer")
	}
}

func TestParseAuthority(t *testing.T) {
	cases := map[string]AuthorityLevel{
		"admin":    Admin,
		"Operator": Operator,
		"op":       Operator,
		"member":   Member,
		"":         Member,
		"root":     Member,
	}
	for in, want := range cases {
		if got := ParseAuthority(in); got != want {
			t.Fatalf("ParseAuthority(%q) = %v, want %v", in, got, want)
		}
	}
	if !Admin.AtLeast(Operator) || Member.AtLeast(Operator) {
		t.Fatalf("authority ordering broken")
	}
	if ParseAuthority(Admin.String()) != Admin {
		t.Fatalf("String/Parse mismatch for admin")
	}
}

func TestDraftValidate(t *testing.T) {
	if err := (Draft{Body: "   "}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank draft err = %v, want ErrValidation", err)
	}
	if err := (Draft{AttachmentRef: "img://1", Kind: KindImage}).Validate(); err != nil {
		t.Fatalf("attachment-only draft err = %v", err)
	}
	if err := (Draft{Body: "merhaba"}).Validate(); err != nil {
		t.Fatalf("text draft err = %v", err)
	}
}

func TestNewUserValidatesDisplayName(t *testing.T) {
	if _, err := NewUser("  ", "a@b.c"); !errors.Is(err, ErrDisplayNameEmpty) {
		t.Fatalf("err = %v, want ErrDisplayNameEmpty", err)
	}
	u, err := NewUser("Ayşe", "ayse@example.com")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if u.ID == "" || u.DisplayName != "Ayşe" || u.Authority != Member {
		t.Fatalf("unexpected user %+v", u)
	}
}

func TestMutedWrapsAuthorization(t *testing.T) {
	if !errors.Is(ErrMuted, ErrAuthorization) {
		t.Fatalf("ErrMuted must classify as an authorization failure")
	}
	err := Transient("list", errors.New("boom"))
	var tio *TransientIOError
	if !errors.As(err, &tio) || tio.Op != "list" {
		t.Fatalf("Transient did not wrap: %v", err)
	}
	if Transient("x", err) != err {
		t.Fatalf("Transient must not double wrap")
	}
}
