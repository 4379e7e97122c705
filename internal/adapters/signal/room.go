package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleOpen(ctx context.Context, c *WsSignalConn, p envelope) {
	room, err := c.sess.Open(ctx, domain.RoomID(p.Room))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", p.Room).Msg("open rejected")
		ctl.fail(c, err)
		return
	}
	ctl.opened(c, room)
}

func (ctl *SignalWSController) handleOpenPrivate(ctx context.Context, c *WsSignalConn, p envelope) {
	room, err := c.sess.OpenPrivate(ctx, domain.UserID(p.User))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	ctl.opened(c, room)
}

// opened starts forwarding the room's new messages, then sends the current
// page. Clients dedupe by id across the two.
func (ctl *SignalWSController) opened(c *WsSignalConn, room domain.Room) {
	ctl.follow(c, room.ID)
	msgs, _ := c.sess.Messages(room.ID)
	ctl.sendJSON(c, struct {
		Type     string           `json:"type"`
		Room     domain.Room      `json:"room"`
		Muted    bool             `json:"muted"`
		Messages []domain.Message `json:"messages"`
	}{"opened", room, ctl.Dir.Cell.Muted(room.ID), msgs})
	ctl.sendRoster(c, room.ID)
}

func (ctl *SignalWSController) follow(c *WsSignalConn, id domain.RoomID) {
	view, err := c.sess.View(id)
	if err != nil {
		return
	}
	ch, stop := view.Listen()
	if !c.track(id, stop) {
		return
	}
	go func() {
		for m := range ch {
			ctl.sendJSON(c, struct {
				Type    string         `json:"type"`
				Room    domain.RoomID  `json:"room"`
				Message domain.Message `json:"message"`
			}{"message", id, m})
		}
	}()
}

func (ctl *SignalWSController) handleClose(c *WsSignalConn, p envelope) {
	id := domain.RoomID(p.Room)
	c.untrack(id)
	c.sess.Close(id)
	ctl.sendJSON(c, struct {
		Type string        `json:"type"`
		Room domain.RoomID `json:"room"`
	}{"closed", id})
}

func (ctl *SignalWSController) handleSend(ctx context.Context, c *WsSignalConn, p envelope) {
	if ctl.Limiter != nil {
		if ok, wait := ctl.Limiter.Allow(c.sess.Identity().ID, domain.RoomID(p.Room)); !ok {
			ctl.sendError(c, "rate_limited", fmt.Errorf("sending too fast, retry in %s", wait.Round(time.Millisecond)))
			return
		}
	}
	draft := domain.Draft{Body: p.Body, Kind: domain.ParseMessageKind(p.Kind), AttachmentRef: p.Attachment}
	if _, err := c.sess.Send(ctx, domain.RoomID(p.Room), draft); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("room", p.Room).Msg("send rejected")
		ctl.fail(c, err)
	}
}

func (ctl *SignalWSController) handleHistory(c *WsSignalConn, p envelope) {
	msgs, err := c.sess.Messages(domain.RoomID(p.Room))
	if err != nil {
		ctl.fail(c, err)
		return
	}
	ctl.sendJSON(c, struct {
		Type     string           `json:"type"`
		Room     string           `json:"room"`
		Messages []domain.Message `json:"messages"`
	}{"history", p.Room, msgs})
}

func (ctl *SignalWSController) sendRoster(c *WsSignalConn, id domain.RoomID) {
	users, err := c.sess.Roster(id)
	if err != nil {
		ctl.fail(c, err)
		return
	}
	ctl.sendJSON(c, struct {
		Type  string        `json:"type"`
		Room  domain.RoomID `json:"room"`
		Users []domain.User `json:"users"`
	}{"roster", id, users})
}
