// Package store holds the write rules every persistence adapter enforces. The
// collaborator is the trust boundary: client-side checks are advisory only.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
)

type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Lookup is the read access the rules need from an adapter. Implementations
// are called with the adapter's own lock held, or inside its transaction.
type Lookup interface {
	UserRecord(id string) (core.Record, bool)
	RoomMuted(roomID string) bool
	RoomBot(roomID, botID string) bool
}

// Bots maps a room id to the ids of the bots configured for it.
type Bots map[string][]string

func (b Bots) Has(roomID, botID string) bool {
	for _, id := range b[roomID] {
		if id == botID {
			return true
		}
	}
	return false
}

// Authorize validates a write against the acting identity carried in ctx.
// id is the target record id for update and delete.
func Authorize(ctx context.Context, lk Lookup, op Op, coll core.Collection, id string, fields map[string]any) error {
	actorID, ok := core.ActorFrom(ctx)
	if !ok {
		return fmt.Errorf("%s %s: no actor: %w", op, coll, domain.ErrAuthorization)
	}
	rec, ok := lk.UserRecord(string(actorID))
	if !ok {
		return fmt.Errorf("%s %s: unknown actor %s: %w", op, coll, actorID, domain.ErrAuthorization)
	}
	actor, err := core.UserFromRecord(rec)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, coll, domain.ErrAuthorization)
	}

	switch coll {
	case core.Messages:
		if op != OpCreate {
			return requireAdmin(actor, op, coll)
		}
		return authorizeMessage(lk, actor, fields)
	case core.Users:
		if op != OpUpdate {
			return requireAdmin(actor, op, coll)
		}
		return authorizeUserUpdate(lk, actor, id, fields)
	case core.Bans, core.RoomStates:
		return requireAdmin(actor, op, coll)
	default:
		return fmt.Errorf("%s %s: unknown collection: %w", op, coll, domain.ErrValidation)
	}
}

func requireAdmin(actor domain.User, op Op, coll core.Collection) error {
	if actor.Authority != domain.Admin {
		return fmt.Errorf("%s %s requires admin: %w", op, coll, domain.ErrAuthorization)
	}
	return nil
}

func authorizeMessage(lk Lookup, actor domain.User, fields map[string]any) error {
	if actor.Kicked {
		return domain.ErrKicked
	}
	body := strings.TrimSpace(core.String(fields, core.FieldText))
	attachment := strings.TrimSpace(core.String(fields, core.FieldAttachment))
	if body == "" && attachment == "" {
		return fmt.Errorf("empty message: %w", domain.ErrValidation)
	}
	room := core.String(fields, core.FieldRoom)
	if room == "" {
		return fmt.Errorf("message without room: %w", domain.ErrValidation)
	}
	sender := core.String(fields, core.FieldSenderID)
	human := core.Bool(fields, core.FieldIsUser)
	// Non-human replies are posted on behalf of a room's bots by the human
	// whose message triggered them.
	if human && sender != string(actor.ID) {
		return fmt.Errorf("sender %s is not the actor: %w", sender, domain.ErrAuthorization)
	}
	if !human && !lk.RoomBot(room, sender) {
		return fmt.Errorf("sender %s is not a bot of %s: %w", sender, room, domain.ErrAuthorization)
	}
	if domain.IsPrivateRoomID(domain.RoomID(room)) {
		if _, ok := domain.PrivatePeer(domain.RoomID(room), actor.ID); !ok {
			return fmt.Errorf("not a member of %s: %w", room, domain.ErrAuthorization)
		}
	}
	if lk.RoomMuted(room) && actor.Authority != domain.Admin {
		return domain.ErrMuted
	}
	return nil
}

func authorizeUserUpdate(lk Lookup, actor domain.User, id string, fields map[string]any) error {
	targetRec, ok := lk.UserRecord(id)
	if !ok {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	target, err := core.UserFromRecord(targetRec)
	if err != nil {
		return fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	self := target.ID == actor.ID

	for key, value := range fields {
		switch key {
		case core.FieldOnline, core.FieldName, core.FieldAvatar:
			if !self && actor.Authority != domain.Admin {
				return fmt.Errorf("update %s of another user: %w", key, domain.ErrAuthorization)
			}
		case core.FieldKicked:
			kick := core.Bool(map[string]any{key: value}, key)
			if self && !kick {
				continue
			}
			if self {
				return fmt.Errorf("cannot kick self: %w", domain.ErrAuthorization)
			}
			if !actor.Authority.AtLeast(domain.Operator) || target.Authority > actor.Authority {
				return fmt.Errorf("kick %s: %w", id, domain.ErrAuthorization)
			}
		case core.FieldAuthority:
			if actor.Authority != domain.Admin {
				return fmt.Errorf("change authority: %w", domain.ErrAuthorization)
			}
		default:
			if actor.Authority != domain.Admin {
				return fmt.Errorf("update %s: %w", key, domain.ErrAuthorization)
			}
		}
	}
	return nil
}
