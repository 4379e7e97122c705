package domain

import (
	"sort"
	"strings"
)

type (
	RoomName string
	RoomID   string
)

type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
)

const privateRoomPrefix = "private_"

type Room struct {
	ID             RoomID   `json:"id"`
	Name           RoomName `json:"name"`
	Kind           RoomKind `json:"kind"`
	Topic          string   `json:"topic"`
	Description    string   `json:"description,omitempty"`
	Muted          bool     `json:"muted"`
	ParticipantIDs []UserID `json:"participantIds,omitempty"`
	// Bots are the statically configured non-human participants.
	Bots []User `json:"bots,omitempty"`
}

func (r Room) IsPrivate() bool { return r.Kind == RoomPrivate }

// PrivateRoomID derives the order-independent id of the private room between a and b.
func PrivateRoomID(a, b UserID) RoomID {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)
	return RoomID(privateRoomPrefix + strings.Join(ids, "_"))
}

func IsPrivateRoomID(id RoomID) bool {
	return strings.HasPrefix(string(id), privateRoomPrefix)
}

// PrivatePeer returns the other member of a private room that includes self.
// Ids may themselves contain underscores, so the candidate split is verified
// by re-deriving the room id.
func PrivatePeer(id RoomID, self UserID) (UserID, bool) {
	if !IsPrivateRoomID(id) || self == "" {
		return "", false
	}
	rest := strings.TrimPrefix(string(id), privateRoomPrefix)
	s := string(self)
	if strings.HasPrefix(rest, s+"_") {
		other := UserID(rest[len(s)+1:])
		if other != "" && PrivateRoomID(self, other) == id {
			return other, true
		}
	}
	if strings.HasSuffix(rest, "_"+s) {
		other := UserID(rest[:len(rest)-len(s)-1])
		if other != "" && PrivateRoomID(self, other) == id {
			return other, true
		}
	}
	return "", false
}

// NewPrivateRoom builds the lazily created room between self and peer.
func NewPrivateRoom(self, peer User) Room {
	return Room{
		ID:             PrivateRoomID(self.ID, peer.ID),
		Name:           RoomName(peer.DisplayName),
		Kind:           RoomPrivate,
		Topic:          "private conversation",
		ParticipantIDs: []UserID{self.ID, peer.ID},
	}
}
