package signal

import (
	"context"

	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleWhoAmI(
	conn *WsSignalConn,
) {
	resp := struct {
		Type  string          `json:"type"`
		User  domain.Identity `json:"user"`
		Rooms []domain.Room   `json:"rooms"`
	}{
		Type:  "whoami",
		User:  conn.sess.Identity(),
		Rooms: conn.sess.OpenRooms(),
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleBlock(c *WsSignalConn, p envelope) {
	id := domain.UserID(p.User)
	if id == "" {
		ctl.sendError(c, "validation", domain.ErrValidation)
		return
	}
	if p.Type == "block" {
		c.sess.Block(id)
	} else {
		c.sess.Unblock(id)
	}
	log.Info().Str("module", "signal").Str("sid", string(c.sess.ID())).Str("op", p.Type).Str("user", p.User).Msg("block list changed")
	ctl.sendJSON(c, struct {
		Type string `json:"type"`
		Op   string `json:"op"`
	}{"applied", p.Type})
}

func (ctl *SignalWSController) handleAllowDMs(c *WsSignalConn, p envelope) {
	c.sess.SetAllowDMs(p.Allow)
	ctl.sendJSON(c, struct {
		Type  string `json:"type"`
		Op    string `json:"op"`
		Allow bool   `json:"allow"`
	}{"applied", "allow_dms", p.Allow})
}

// handleLogout ends the session; the session pump reports "terminated".
func (ctl *SignalWSController) handleLogout(ctx context.Context, c *WsSignalConn) {
	if err := c.sess.Logout(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("logout")
	}
}
