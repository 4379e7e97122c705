package app

import (
	"sort"
	"sync"

	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

// RoomCatalog knows every room a session may open: the configured public
// rooms and the private rooms created on first use.
type RoomCatalog struct {
	mu     sync.RWMutex
	public []domain.RoomID
	rooms  map[domain.RoomID]domain.Room
}

func NewRoomCatalog(public []domain.Room) *RoomCatalog {
	c := &RoomCatalog{rooms: make(map[domain.RoomID]domain.Room, len(public))}
	for _, r := range public {
		if r.ID == "" || domain.IsPrivateRoomID(r.ID) {
			log.Warn().Str("module", "app.rooms").Str("room", string(r.ID)).Msg("skipping invalid public room id")
			continue
		}
		if _, dup := c.rooms[r.ID]; dup {
			continue
		}
		r.Kind = domain.RoomPublic
		if r.Name == "" {
			r.Name = domain.RoomName(r.ID)
		}
		for i := range r.Bots {
			r.Bots[i].IsBot = true
		}
		c.rooms[r.ID] = r
		c.public = append(c.public, r.ID)
	}
	return c
}

func (c *RoomCatalog) Get(id domain.RoomID) (domain.Room, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rooms[id]
	return r, ok
}

// Public lists the configured rooms in configuration order.
func (c *RoomCatalog) Public() []domain.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Room, 0, len(c.public))
	for _, id := range c.public {
		out = append(out, c.rooms[id])
	}
	return out
}

// GetOrCreatePrivate returns the private room between self and peer, creating
// it on first use. The returned room is named after peer.
func (c *RoomCatalog) GetOrCreatePrivate(self, peer domain.User) domain.Room {
	id := domain.PrivateRoomID(self.ID, peer.ID)
	c.mu.RLock()
	room, ok := c.rooms[id]
	c.mu.RUnlock()
	if ok {
		room.Name = domain.RoomName(peer.DisplayName)
		return room
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok = c.rooms[id]; ok {
		room.Name = domain.RoomName(peer.DisplayName)
		return room
	}
	room = domain.NewPrivateRoom(self, peer)
	c.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("created private room")
	return room
}

// PrivateOf lists the private rooms id is a member of.
func (c *RoomCatalog) PrivateOf(id domain.UserID) []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.RoomID
	for rid, r := range c.rooms {
		if !r.IsPrivate() {
			continue
		}
		if _, ok := domain.PrivatePeer(rid, id); ok {
			out = append(out, rid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
