// Package domain contains entities and the small amount of logic that is
// intrinsic to them (ids, validation, ordering). No I/O lives here.
package domain

import (
	"strings"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 36
)

type UserID string

// AuthorityLevel is an ordered trust tier. Higher values outrank lower ones.
type AuthorityLevel int

const (
	Member AuthorityLevel = iota
	Operator
	Admin
)

func (a AuthorityLevel) String() string {
	switch a {
	case Operator:
		return "operator"
	case Admin:
		return "admin"
	default:
		return "member"
	}
}

// ParseAuthority maps a stored authority name to its level. Unknown or empty
// names are treated as member so a corrupt record never elevates anyone.
func ParseAuthority(s string) AuthorityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return Admin
	case "operator", "op":
		return Operator
	default:
		return Member
	}
}

// AtLeast reports whether a meets the required level.
func (a AuthorityLevel) AtLeast(required AuthorityLevel) bool { return a >= required }

type User struct {
	ID          UserID         `json:"id"`
	DisplayName string         `json:"displayName"`
	AvatarRef   string         `json:"avatar,omitempty"`
	Authority   AuthorityLevel `json:"authority"`
	Online      bool           `json:"online"`
	Kicked      bool           `json:"kicked,omitempty"`
	Email       string         `json:"-"`
	IsBot       bool           `json:"isBot,omitempty"`
	Persona     string         `json:"persona,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(displayName, email string) (*User, error) {
	u := &User{ID: UserID(uuid.NewString()), Email: strings.TrimSpace(email)}
	if err := u.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *User) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	u.DisplayName = name
	return nil
}

// Identity is the resolved post-authentication view of a user. It is all the
// core consumes from the identity boundary.
type Identity struct {
	ID          UserID         `json:"id"`
	DisplayName string         `json:"displayName"`
	AvatarRef   string         `json:"avatar,omitempty"`
	Authority   AuthorityLevel `json:"authority"`
}

func (u User) Identity() Identity {
	return Identity{ID: u.ID, DisplayName: u.DisplayName, AvatarRef: u.AvatarRef, Authority: u.Authority}
}

// User expands an identity into a user value with no transient flags set.
func (i Identity) User() User {
	return User{ID: i.ID, DisplayName: i.DisplayName, AvatarRef: i.AvatarRef, Authority: i.Authority}
}
