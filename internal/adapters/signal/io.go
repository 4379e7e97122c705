package signal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Lounge/internal/app"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// envelope is every client request; unused fields stay empty.
type envelope struct {
	Type       string `json:"type"`
	Room       string `json:"room,omitempty"`
	User       string `json:"user,omitempty"`
	Email      string `json:"email,omitempty"`
	Body       string `json:"body,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Allow      bool   `json:"allow,omitempty"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				_ = c.conn.Close()
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	sid := c.sess.ID()
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, c, data)
		}
	}
}

// sessionPump forwards session-side events to the client.
func (ctl *SignalWSController) sessionPump(ctx context.Context, c *WsSignalConn) {
	s := c.sess
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			ctl.sendJSON(c, struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			}{"terminated", string(s.Reason())})
			c.Drain()
			return
		case room := <-s.Invitations():
			ctl.follow(c, room.ID)
			ctl.sendJSON(c, struct {
				Type string      `json:"type"`
				Room domain.Room `json:"room"`
			}{"invitation", room})
		case comp := <-s.Composing():
			ctl.sendJSON(c, struct {
				Type   string        `json:"type"`
				Room   domain.RoomID `json:"room"`
				Bot    domain.User   `json:"bot"`
				Active bool          `json:"active"`
			}{"composing", comp.RoomID, comp.Bot, comp.Active})
		case <-s.RosterChanges():
			for _, room := range s.OpenRooms() {
				ctl.sendRoster(c, room.ID)
			}
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload", errors.New("malformed envelope"))
		return
	}

	switch env.Type {
	case "open":
		ctl.handleOpen(ctx, c, env)
	case "open_private":
		ctl.handleOpenPrivate(ctx, c, env)
	case "close":
		ctl.handleClose(c, env)
	case "send":
		ctl.handleSend(ctx, c, env)
	case "history":
		ctl.handleHistory(c, env)
	case "roster":
		ctl.sendRoster(c, domain.RoomID(env.Room))
	case "kick", "ban", "unban", "grant_op", "revoke_op", "mute", "unmute":
		ctl.handleModeration(ctx, c, env)
	case "ban_list":
		ctl.handleBanList(ctx, c)
	case "block", "unblock":
		ctl.handleBlock(c, env)
	case "allow_dms":
		ctl.handleAllowDMs(c, env)
	case "whoami":
		ctl.handleWhoAmI(c)
	case "ping":
		ctl.handlePing(c)
	case "logout":
		ctl.handleLogout(ctx, c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, "unknown_type", errors.New(env.Type))
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		log.Warn().Str("module", "signal").Str("sid", string(c.sess.ID())).Msg("client too slow, frame dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string, err error) {
	ctl.sendJSON(c, struct {
		Type  string `json:"type"`
		Code  string `json:"code"`
		Error string `json:"error"`
	}{"error", code, err.Error()})
}

func (ctl *SignalWSController) fail(c *WsSignalConn, err error) {
	ctl.sendError(c, ErrorCode(err), err)
}

// ErrorCode classifies err for clients. The REST handlers share it.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrMuted):
		return "muted"
	case errors.Is(err, domain.ErrAuthorization):
		return "unauthorized"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrBlocked):
		return "blocked"
	case errors.Is(err, domain.ErrKicked):
		return "kicked"
	case errors.Is(err, domain.ErrBanned):
		return "banned"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, domain.ErrEmailTaken):
		return "email_taken"
	case errors.Is(err, app.ErrSessionClosed):
		return "session_closed"
	default:
		return "internal"
	}
}

func HTTPStatus(err error) int {
	switch ErrorCode(err) {
	case "unauthorized", "muted", "blocked", "kicked", "banned":
		return http.StatusForbidden
	case "invalid_credentials":
		return http.StatusUnauthorized
	case "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict", "email_taken":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
