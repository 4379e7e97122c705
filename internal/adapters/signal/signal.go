// Package signal is the websocket gateway: one connection drives one
// app.Session with JSON envelopes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/auth"
	"github.com/dkeye/Lounge/internal/app"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// TokenKey is the gin context key the HTTP layer stores a cookie session
// token under.
const TokenKey = "session_token"

const sendQueue = 64

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
}

type SignalWSController struct {
	Dir     *app.Directory
	Tokens  *auth.Tokens
	Limiter *SendRateLimiter
	cfg     Config
}

func NewSignalWSController(dir *app.Directory, tokens *auth.Tokens, limiter *SendRateLimiter, cfg Config) *SignalWSController {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 32768
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	return &SignalWSController{Dir: dir, Tokens: tokens, Limiter: limiter, cfg: cfg}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte
	sess *app.Session

	mu        sync.RWMutex
	closed    bool
	listeners map[domain.RoomID]func()
}

func (c *WsSignalConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	stops := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	_ = c.conn.Close()
}

// Drain stops accepting frames; the write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Drain() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	stops := c.listeners
	c.listeners = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// track remembers the listener stop func of a room; an older one is stopped.
func (c *WsSignalConn) track(id domain.RoomID, stop func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return false
	}
	prev := c.listeners[id]
	c.listeners[id] = stop
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return true
}

func (c *WsSignalConn) untrack(id domain.RoomID) {
	c.mu.Lock()
	stop := c.listeners[id]
	delete(c.listeners, id)
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) identify(c *gin.Context) (domain.Identity, error) {
	token := auth.ExtractTokenFromRequest(c.Request)
	if token == "" {
		token = c.GetString(TokenKey)
	}
	return ctl.Tokens.Parse(token)
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id, err := ctl.identify(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("rejecting unauthenticated ws")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sid := app.SessionID(uuid.NewString())
	sess, err := ctl.Dir.Connect(ctx, sid, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("uid", string(id.ID)).Msg("connect rejected")
		c.JSON(HTTPStatus(err), gin.H{"error": ErrorCode(err)})
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("uid", string(id.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		ctl.Dir.Disconnect(context.Background(), sid)
		return
	}
	ws.SetReadLimit(ctl.cfg.ReadLimit)

	conn := &WsSignalConn{
		conn:      ws,
		send:      make(chan []byte, sendQueue),
		sess:      sess,
		listeners: make(map[domain.RoomID]func()),
	}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, conn)
	go ctl.sessionPump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
		ctl.Dir.Disconnect(context.Background(), sid)
	}()
}
