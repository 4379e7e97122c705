package core

import (
	"context"

	"github.com/dkeye/Lounge/internal/domain"
)

type actorKey struct{}

// WithActor attaches the acting identity to ctx for the collaborator's own
// authorization. Only the id is carried; authority is resolved by the store.
func WithActor(ctx context.Context, id domain.UserID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

func ActorFrom(ctx context.Context) (domain.UserID, bool) {
	id, ok := ctx.Value(actorKey{}).(domain.UserID)
	return id, ok && id != ""
}
