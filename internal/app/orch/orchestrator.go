// Package orch runs bot replies. Each room has one lane: runs execute one at a
// time, and while one runs at most one more waits, the newest message winning.
package orch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
)

type Config struct {
	HistoryWindow int
	PerRune       time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 10
	}
	if c.PerRune <= 0 {
		c.PerRune = 40 * time.Millisecond
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 800 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2500 * time.Millisecond
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	return c
}

// Request is one human message handed over by the session that sent it.
type Request struct {
	Room    domain.Room
	Trigger domain.Message
	Roster  []domain.User
	// History returns the room's current messages; it is read when the run
	// starts, not when the request is queued.
	History func() []domain.Message
	// Post publishes a reply on behalf of bot.
	Post func(ctx context.Context, bot domain.User, text string) (domain.Message, error)
	// IsOpen reports whether the initiating session still has the room open.
	IsOpen      func() bool
	OnComposing func(bot domain.User, composing bool)
}

// Outcome is reported once per request.
type Outcome struct {
	Replies    []domain.Message
	Superseded bool
	Err        error
}

type job struct {
	ctx context.Context
	req Request
	out chan Outcome
}

type lane struct {
	pending *job
}

type Orchestrator struct {
	Reasoner core.Reasoner
	// Sleep waits for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error

	cfg   Config
	mu    sync.Mutex
	lanes map[domain.RoomID]*lane
}

func New(r core.Reasoner, cfg Config) *Orchestrator {
	return &Orchestrator{
		Reasoner: r,
		Sleep:    sleepCtx,
		cfg:      cfg.withDefaults(),
		lanes:    make(map[domain.RoomID]*lane),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ComposingDelay is the simulated typing time for text.
func (o *Orchestrator) ComposingDelay(text string) time.Duration {
	d := time.Duration(len([]rune(text))) * o.cfg.PerRune
	if d < o.cfg.MinDelay {
		return o.cfg.MinDelay
	}
	if d > o.cfg.MaxDelay {
		return o.cfg.MaxDelay
	}
	return d
}

// Triggers reports whether m may start a run.
func Triggers(m domain.Message) bool {
	if !m.FromHuman || m.Kind == domain.KindSystem {
		return false
	}
	body := strings.TrimSpace(m.Body)
	return body != "" && !domain.IsCommand(body)
}

func botsOf(roster []domain.User) []domain.User {
	var out []domain.User
	for _, u := range roster {
		if u.IsBot {
			out = append(out, u)
		}
	}
	return out
}

// OnHumanMessage queues a run for req's room. The returned channel receives
// exactly one Outcome. With no bots in the roster the outcome is immediate and
// the reasoner is never consulted.
func (o *Orchestrator) OnHumanMessage(ctx context.Context, req Request) <-chan Outcome {
	out := make(chan Outcome, 1)
	if !Triggers(req.Trigger) || len(botsOf(req.Roster)) == 0 {
		out <- Outcome{}
		return out
	}
	j := &job{ctx: ctx, req: req, out: out}
	id := req.Room.ID

	o.mu.Lock()
	if l, busy := o.lanes[id]; busy {
		if l.pending != nil {
			l.pending.out <- Outcome{Superseded: true}
			log.Debug().Str("module", "orch").Str("room", string(id)).Msg("pending run superseded")
		}
		l.pending = j
		o.mu.Unlock()
		return out
	}
	o.lanes[id] = &lane{}
	o.mu.Unlock()

	go o.drain(id, j)
	return out
}

// drain is the lane's single consumer.
func (o *Orchestrator) drain(id domain.RoomID, j *job) {
	for j != nil {
		j.out <- o.run(j)

		o.mu.Lock()
		l := o.lanes[id]
		j, l.pending = l.pending, nil
		if j == nil {
			delete(o.lanes, id)
		}
		o.mu.Unlock()
	}
}

func open(j *job) bool {
	if j.ctx.Err() != nil {
		return false
	}
	return j.req.IsOpen == nil || j.req.IsOpen()
}

func (o *Orchestrator) window(req Request) []domain.Message {
	var msgs []domain.Message
	if req.History != nil {
		msgs = req.History()
	}
	found := false
	for _, m := range msgs {
		if m.ID == req.Trigger.ID {
			found = true
			break
		}
	}
	if !found {
		msgs = append(msgs, req.Trigger)
	}
	if len(msgs) > o.cfg.HistoryWindow {
		msgs = msgs[len(msgs)-o.cfg.HistoryWindow:]
	}
	return msgs
}

func (o *Orchestrator) run(j *job) Outcome {
	req := j.req
	logger := log.With().Str("module", "orch").Str("room", string(req.Room.ID)).Str("trigger", string(req.Trigger.ID)).Logger()
	if !open(j) {
		return Outcome{}
	}

	bots := botsOf(req.Roster)
	byID := make(map[domain.UserID]domain.User, len(bots))
	for _, b := range bots {
		byID[b.ID] = b
	}

	rctx, cancel := context.WithTimeout(j.ctx, o.cfg.Timeout)
	decisions, err := o.Reasoner.Decide(rctx, core.Prompt{
		History:    o.window(req),
		Bots:       bots,
		Topic:      req.Room.Topic,
		SenderName: req.Trigger.SenderName,
	})
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("reasoning failed, no replies")
		return Outcome{Err: &domain.ExternalReasoningError{Err: err}}
	}

	var replies []domain.Message
	for _, d := range decisions {
		bot, ok := byID[d.ParticipantID]
		text := strings.TrimSpace(d.Text)
		if !ok || text == "" {
			logger.Debug().Str("bot", string(d.ParticipantID)).Msg("discarding decision")
			continue
		}
		if !open(j) {
			break
		}
		if req.OnComposing != nil {
			req.OnComposing(bot, true)
		}
		err := o.Sleep(j.ctx, o.ComposingDelay(text))
		if req.OnComposing != nil {
			req.OnComposing(bot, false)
		}
		if err != nil || !open(j) {
			break
		}
		msg, err := req.Post(j.ctx, bot, text)
		if err != nil {
			logger.Warn().Err(err).Str("bot", string(bot.ID)).Msg("reply rejected")
			continue
		}
		replies = append(replies, msg)
	}
	logger.Info().Int("decisions", len(decisions)).Int("replies", len(replies)).Msg("run finished")
	return Outcome{Replies: replies}
}
