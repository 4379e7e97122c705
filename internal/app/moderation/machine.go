// Package moderation implements the guarded kick/ban/mute/authority
// transitions. Checks here fail fast; the store re-checks every write.
package moderation

import (
	"context"
	"fmt"

	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

// Outcome reports whether a transition changed anything. Notice explains a
// no-op (target already in the requested state).
type Outcome struct {
	Applied bool   `json:"applied"`
	Notice  string `json:"notice,omitempty"`
}

func applied() Outcome { return Outcome{Applied: true} }
func conflict(notice string) Outcome { return Outcome{Notice: notice} }

type Machine struct {
	store core.Store
	cell  *state.Cell
}

func New(st core.Store, cell *state.Cell) *Machine {
	return &Machine{store: st, cell: cell}
}

// require resolves the actor's live authority and checks it.
func (m *Machine) require(actor domain.Identity, level domain.AuthorityLevel, op string) (domain.AuthorityLevel, error) {
	have := m.cell.Authority(actor.ID, actor.Authority)
	if !have.AtLeast(level) {
		log.Warn().Str("module", "moderation").Str("op", op).Str("actor", string(actor.ID)).Str("authority", have.String()).Msg("denied")
		return have, fmt.Errorf("%s requires %s: %w", op, level, domain.ErrAuthorization)
	}
	return have, nil
}

// target resolves a user from the cell, falling back to the store.
func (m *Machine) target(ctx context.Context, id domain.UserID) (domain.User, error) {
	if u, ok := m.cell.User(id); ok && u.Email != "" {
		return u, nil
	}
	recs, err := m.store.List(ctx, core.Users, core.Query{Filter: map[string]any{"id": string(id)}, Limit: 1})
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	if len(recs) == 0 {
		return domain.User{}, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	return core.UserFromRecord(recs[0])
}

func (m *Machine) Kick(ctx context.Context, actor domain.Identity, targetID domain.UserID) (Outcome, error) {
	have, err := m.require(actor, domain.Operator, "kick")
	if err != nil {
		return Outcome{}, err
	}
	if targetID == actor.ID {
		return Outcome{}, fmt.Errorf("kick self: %w", domain.ErrAuthorization)
	}
	t, err := m.target(ctx, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Authority > have {
		return Outcome{}, fmt.Errorf("kick %s: outranked: %w", targetID, domain.ErrAuthorization)
	}
	if t.Kicked {
		return conflict(t.DisplayName + " is already kicked"), nil
	}
	if err := m.setKicked(ctx, actor.ID, targetID); err != nil {
		return Outcome{}, err
	}
	log.Info().Str("module", "moderation").Str("actor", string(actor.ID)).Str("target", string(targetID)).Msg("kicked")
	return applied(), nil
}

func (m *Machine) setKicked(ctx context.Context, actor, target domain.UserID) error {
	rec, err := m.store.Update(core.WithActor(ctx, actor), core.Users, string(target), map[string]any{core.FieldKicked: true})
	if err != nil {
		return fmt.Errorf("kick %s: %w", target, err)
	}
	m.cell.Commit(rec)
	return nil
}

// Ban records the target's email and cascades a kick.
func (m *Machine) Ban(ctx context.Context, actor domain.Identity, targetID domain.UserID) (Outcome, error) {
	if _, err := m.require(actor, domain.Admin, "ban"); err != nil {
		return Outcome{}, err
	}
	if targetID == actor.ID {
		return Outcome{}, fmt.Errorf("ban self: %w", domain.ErrAuthorization)
	}
	t, err := m.target(ctx, targetID)
	if err != nil {
		return Outcome{}, err
	}
	email := domain.NormalizeEmail(t.Email)
	if email == "" {
		return Outcome{}, fmt.Errorf("ban %s: no email on record: %w", targetID, domain.ErrValidation)
	}
	existing, err := m.bansFor(ctx, email)
	if err != nil {
		return Outcome{}, err
	}
	if len(existing) > 0 {
		return conflict(t.DisplayName + " is already banned"), nil
	}
	if _, err := m.store.Create(core.WithActor(ctx, actor.ID), core.Bans, map[string]any{
		core.FieldEmail:  email,
		core.FieldUserID: string(targetID),
	}); err != nil {
		return Outcome{}, fmt.Errorf("ban %s: %w", targetID, err)
	}
	if !t.Kicked {
		if err := m.setKicked(ctx, actor.ID, targetID); err != nil {
			return Outcome{}, err
		}
	}
	log.Info().Str("module", "moderation").Str("actor", string(actor.ID)).Str("target", string(targetID)).Msg("banned")
	return applied(), nil
}

func (m *Machine) bansFor(ctx context.Context, email string) ([]core.Record, error) {
	recs, err := m.store.List(ctx, core.Bans, core.Query{Filter: map[string]any{core.FieldEmail: email}})
	if err != nil {
		return nil, fmt.Errorf("lookup bans: %w", err)
	}
	return recs, nil
}

// Unban deletes every ban record for email.
func (m *Machine) Unban(ctx context.Context, actor domain.Identity, email string) (Outcome, error) {
	if _, err := m.require(actor, domain.Admin, "unban"); err != nil {
		return Outcome{}, err
	}
	email = domain.NormalizeEmail(email)
	recs, err := m.bansFor(ctx, email)
	if err != nil {
		return Outcome{}, err
	}
	if len(recs) == 0 {
		return conflict(email + " is not banned"), nil
	}
	for _, r := range recs {
		if err := m.store.Delete(core.WithActor(ctx, actor.ID), core.Bans, r.ID); err != nil {
			return Outcome{}, fmt.Errorf("unban %s: %w", email, err)
		}
	}
	log.Info().Str("module", "moderation").Str("actor", string(actor.ID)).Str("email", email).Msg("unbanned")
	return applied(), nil
}

// BanList returns ban records newest first.
func (m *Machine) BanList(ctx context.Context, actor domain.Identity) ([]domain.BanRecord, error) {
	if _, err := m.require(actor, domain.Admin, "ban list"); err != nil {
		return nil, err
	}
	recs, err := m.store.List(ctx, core.Bans, core.Query{Sort: "created", Desc: true})
	if err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	out := make([]domain.BanRecord, 0, len(recs))
	for _, r := range recs {
		b, err := core.BanFromRecord(r)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Machine) GrantOperator(ctx context.Context, actor domain.Identity, targetID domain.UserID) (Outcome, error) {
	if _, err := m.require(actor, domain.Admin, "grant operator"); err != nil {
		return Outcome{}, err
	}
	t, err := m.target(ctx, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Authority.AtLeast(domain.Operator) {
		return conflict(fmt.Sprintf("%s is already %s", t.DisplayName, t.Authority)), nil
	}
	return m.setAuthority(ctx, actor.ID, targetID, domain.Operator)
}

func (m *Machine) RevokeOperator(ctx context.Context, actor domain.Identity, targetID domain.UserID) (Outcome, error) {
	if _, err := m.require(actor, domain.Admin, "revoke operator"); err != nil {
		return Outcome{}, err
	}
	if targetID == actor.ID {
		return Outcome{}, fmt.Errorf("revoke self: %w", domain.ErrAuthorization)
	}
	t, err := m.target(ctx, targetID)
	if err != nil {
		return Outcome{}, err
	}
	if t.Authority != domain.Operator {
		return conflict(t.DisplayName + " is not an operator"), nil
	}
	return m.setAuthority(ctx, actor.ID, targetID, domain.Member)
}

func (m *Machine) setAuthority(ctx context.Context, actor, target domain.UserID, level domain.AuthorityLevel) (Outcome, error) {
	rec, err := m.store.Update(core.WithActor(ctx, actor), core.Users, string(target), map[string]any{core.FieldAuthority: level.String()})
	if err != nil {
		return Outcome{}, fmt.Errorf("set authority of %s: %w", target, err)
	}
	m.cell.Commit(rec)
	log.Info().Str("module", "moderation").Str("actor", string(actor)).Str("target", string(target)).Str("authority", level.String()).Msg("authority changed")
	return applied(), nil
}

func (m *Machine) MuteRoom(ctx context.Context, actor domain.Identity, room domain.RoomID) (Outcome, error) {
	return m.setMuted(ctx, actor, room, true)
}

func (m *Machine) UnmuteRoom(ctx context.Context, actor domain.Identity, room domain.RoomID) (Outcome, error) {
	return m.setMuted(ctx, actor, room, false)
}

// setMuted upserts the room's state record.
func (m *Machine) setMuted(ctx context.Context, actor domain.Identity, room domain.RoomID, muted bool) (Outcome, error) {
	if _, err := m.require(actor, domain.Admin, "mute"); err != nil {
		return Outcome{}, err
	}
	if m.cell.Muted(room) == muted {
		if muted {
			return conflict(string(room) + " is already muted"), nil
		}
		return conflict(string(room) + " is not muted"), nil
	}
	actx := core.WithActor(ctx, actor.ID)
	recs, err := m.store.List(ctx, core.RoomStates, core.Query{Filter: map[string]any{core.FieldRoomID: string(room)}, Limit: 1})
	if err != nil {
		return Outcome{}, fmt.Errorf("lookup room state: %w", err)
	}
	var rec core.Record
	if len(recs) > 0 {
		rec, err = m.store.Update(actx, core.RoomStates, recs[0].ID, map[string]any{core.FieldMuted: muted})
	} else {
		rec, err = m.store.Create(actx, core.RoomStates, map[string]any{core.FieldRoomID: string(room), core.FieldMuted: muted})
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("set mute of %s: %w", room, err)
	}
	m.cell.Commit(rec)
	log.Info().Str("module", "moderation").Str("actor", string(actor.ID)).Str("room", string(room)).Bool("muted", muted).Msg("room state changed")
	return applied(), nil
}

// ResetOnAuthentication clears the kicked flag and marks the identity online.
func (m *Machine) ResetOnAuthentication(ctx context.Context, id domain.UserID) error {
	fields := map[string]any{core.FieldKicked: false, core.FieldOnline: true}
	rec, err := m.store.Update(core.WithActor(ctx, id), core.Users, string(id), fields)
	if err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	m.cell.Commit(rec)
	return nil
}

// MarkOnline flags a connecting identity online without touching its kick.
func (m *Machine) MarkOnline(ctx context.Context, id domain.UserID) error {
	rec, err := m.store.Update(core.WithActor(ctx, id), core.Users, string(id), map[string]any{core.FieldOnline: true})
	if err != nil {
		return fmt.Errorf("sign on %s: %w", id, err)
	}
	m.cell.Commit(rec)
	return nil
}

// MarkOffline records a sign-off.
func (m *Machine) MarkOffline(ctx context.Context, id domain.UserID) error {
	rec, err := m.store.Update(core.WithActor(ctx, id), core.Users, string(id), map[string]any{core.FieldOnline: false})
	if err != nil {
		return fmt.Errorf("sign off %s: %w", id, err)
	}
	m.cell.Commit(rec)
	return nil
}
