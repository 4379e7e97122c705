package signal

import (
	"context"
	"errors"

	"github.com/dkeye/Lounge/internal/app/moderation"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleModeration(ctx context.Context, c *WsSignalConn, p envelope) {
	var (
		out moderation.Outcome
		err error
	)
	s := c.sess
	target := domain.UserID(p.User)
	room := domain.RoomID(p.Room)
	switch p.Type {
	case "kick":
		out, err = s.Kick(ctx, target)
	case "ban":
		out, err = s.Ban(ctx, target)
	case "unban":
		out, err = s.Unban(ctx, p.Email)
	case "grant_op":
		out, err = s.GrantOperator(ctx, target)
	case "revoke_op":
		out, err = s.RevokeOperator(ctx, target)
	case "mute":
		out, err = s.MuteRoom(ctx, room)
	case "unmute":
		out, err = s.UnmuteRoom(ctx, room)
	default:
		err = errors.New("unknown moderation action " + p.Type)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("op", p.Type).Str("uid", string(s.Identity().ID)).Msg("moderation rejected")
		ctl.fail(c, err)
		return
	}
	if !out.Applied {
		ctl.sendJSON(c, struct {
			Type string `json:"type"`
			Op   string `json:"op"`
			Text string `json:"text"`
		}{"notice", p.Type, out.Notice})
		return
	}
	ctl.sendJSON(c, struct {
		Type string `json:"type"`
		Op   string `json:"op"`
	}{"applied", p.Type})
}

func (ctl *SignalWSController) handleBanList(ctx context.Context, c *WsSignalConn) {
	bans, err := c.sess.BanList(ctx)
	if err != nil {
		ctl.fail(c, err)
		return
	}
	ctl.sendJSON(c, struct {
		Type string             `json:"type"`
		Bans []domain.BanRecord `json:"bans"`
	}{"ban_list", bans})
}
