package core

import (
	"context"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
)

// Collection names a record set exposed by the persistence collaborator.
type Collection string

const (
	Users      Collection = "users"
	Messages   Collection = "messages"
	Bans       Collection = "banned_users"
	RoomStates Collection = "room_states"
)

// Record is the duck-typed shape the collaborator hands back. It must be
// decoded through records.go before it reaches the domain. Updated grows
// with every write to the record and orders its versions.
type Record struct {
	ID         string         `json:"id"`
	Collection Collection     `json:"collection"`
	Fields     map[string]any `json:"fields"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event is a push notification for one record change.
type Event struct {
	Action Action `json:"action"`
	Record Record `json:"record"`
}

// Query is a conjunction of equality filters plus ordering and a bound.
type Query struct {
	Filter map[string]any
	// Sort is a field name or "created". Empty means creation order.
	Sort  string
	Desc  bool
	Limit int
}

// Store is the persistence/pub-sub collaborator. The acting identity travels in
// the context (see WithActor); implementations enforce write rules themselves.
type Store interface {
	Create(ctx context.Context, coll Collection, fields map[string]any) (Record, error)
	List(ctx context.Context, coll Collection, q Query) ([]Record, error)
	Subscribe(ctx context.Context, coll Collection, predicate func(Record) bool, onEvent func(Event)) (unsubscribe func(), err error)
	Update(ctx context.Context, coll Collection, id string, fields map[string]any) (Record, error)
	Delete(ctx context.Context, coll Collection, id string) error
	// Authenticate fails with domain.ErrBanned before any secret comparison.
	Authenticate(ctx context.Context, email, secret string) (Record, error)
}

// Registration is a request to create a human user with a password.
type Registration struct {
	Email       string
	Secret      string
	DisplayName string
}

// Registrar creates password users. Store adapters implement it alongside Store.
type Registrar interface {
	Register(ctx context.Context, r Registration) (Record, error)
}

// Bus carries change events between store writers and subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, coll Collection, fn func(Event)) (unsubscribe func(), err error)
}

// Prompt is the bounded context handed to the reasoning collaborator.
type Prompt struct {
	History    []domain.Message
	Bots       []domain.User
	Topic      string
	SenderName string
}

// Decision is one reply the reasoner wants a non-human participant to post.
type Decision struct {
	ParticipantID domain.UserID `json:"botId"`
	Text          string        `json:"message"`
}

// Reasoner decides which non-human participants reply. It may time out or
// return malformed output; callers degrade to zero replies.
type Reasoner interface {
	Decide(ctx context.Context, p Prompt) ([]Decision, error)
}
