// Package presence derives the ordered participant roster of a room.
package presence

import (
	"sort"
	"sync"

	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Directory is the live user directory; *state.Cell satisfies it.
type Directory interface {
	User(id domain.UserID) (domain.User, bool)
	Online() []domain.User
	Watch() (<-chan state.Change, func())
}

type Tracker struct {
	self domain.Identity
	dir  Directory

	mu       sync.Mutex
	collator *collate.Collator

	changes chan struct{}
	stop    func()
}

// New builds a tracker for the local identity. Names are ordered with the
// collation rules of tag.
func New(self domain.Identity, dir Directory, tag language.Tag) *Tracker {
	t := &Tracker{
		self:     self,
		dir:      dir,
		collator: collate.New(tag, collate.IgnoreCase),
		changes:  make(chan struct{}, 1),
	}
	src, stop := dir.Watch()
	t.stop = stop
	go t.forward(src)
	return t
}

// Changes signals that rosters may have changed. Signals coalesce.
func (t *Tracker) Changes() <-chan struct{} { return t.changes }

func (t *Tracker) Close() { t.stop() }

func (t *Tracker) forward(src <-chan state.Change) {
	for ch := range src {
		if ch.Kind == state.RoomChanged {
			continue
		}
		select {
		case t.changes <- struct{}{}:
		default:
		}
	}
	log.Debug().Str("module", "presence").Str("uid", string(t.self.ID)).Msg("tracker stopped")
}

// Roster merges the room's bots, senders seen in msgs and the live directory,
// later sources overriding earlier ones, and sorts the result.
func (t *Tracker) Roster(room domain.Room, msgs []domain.Message) []domain.User {
	byID := make(map[domain.UserID]domain.User)
	put := func(u domain.User) {
		if u.ID != "" {
			byID[u.ID] = u
		}
	}

	for _, b := range room.Bots {
		b.IsBot = true
		put(b)
	}
	for _, m := range msgs {
		if m.Kind == domain.KindSystem {
			continue
		}
		if _, known := byID[m.SenderID]; known {
			continue
		}
		put(domain.User{ID: m.SenderID, DisplayName: m.SenderName, AvatarRef: m.SenderAvatarRef, IsBot: !m.FromHuman})
	}
	if room.IsPrivate() {
		for _, id := range room.ParticipantIDs {
			if u, ok := t.dir.User(id); ok {
				put(u)
			}
		}
	} else {
		for _, u := range t.dir.Online() {
			put(u)
		}
	}

	self, ok := t.dir.User(t.self.ID)
	if !ok {
		self = t.self.User()
	}
	self.Online = true
	put(self)

	out := make([]domain.User, 0, len(byID))
	for _, u := range byID {
		out = append(out, u)
	}
	t.sort(out)
	return out
}

func (t *Tracker) sort(users []domain.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if (a.ID == t.self.ID) != (b.ID == t.self.ID) {
			return a.ID == t.self.ID
		}
		if a.Authority != b.Authority {
			return a.Authority > b.Authority
		}
		if c := t.collator.CompareString(a.DisplayName, b.DisplayName); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}
