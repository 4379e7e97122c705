package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"

	"github.com/dkeye/Lounge/internal/adapters/auth"
	router "github.com/dkeye/Lounge/internal/adapters/http"
	"github.com/dkeye/Lounge/internal/adapters/pubsub"
	"github.com/dkeye/Lounge/internal/adapters/reasoning"
	wsignal "github.com/dkeye/Lounge/internal/adapters/signal"
	"github.com/dkeye/Lounge/internal/adapters/store/memory"
	"github.com/dkeye/Lounge/internal/adapters/store/sqlite"
	"github.com/dkeye/Lounge/internal/app"
	"github.com/dkeye/Lounge/internal/app/orch"
	"github.com/dkeye/Lounge/internal/app/state"
	"github.com/dkeye/Lounge/internal/app/stream"
	"github.com/dkeye/Lounge/internal/config"
	"github.com/dkeye/Lounge/internal/core"
)

// backend is what the directory needs from a store adapter.
type backend interface {
	core.Store
	core.Registrar
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env is optional; LOUNGE_* variables may come from the environment.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	st, closers, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	cell := state.New()
	if err := cell.Attach(ctx, st); err != nil {
		log.Fatal().Err(err).Msg("failed to load state")
	}

	var reasoner core.Reasoner = reasoning.Silent{}
	if cfg.Reasoning.URL != "" {
		client, err := reasoning.NewClient(reasoning.Config{
			URL:     cfg.Reasoning.URL,
			APIKey:  cfg.Reasoning.APIKey,
			Model:   cfg.Reasoning.Model,
			Timeout: cfg.Reasoning.Timeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build reasoning client")
		}
		reasoner = client
	} else {
		log.Warn().Msg("no reasoning url configured, bots stay silent")
	}

	locale, err := language.Parse(cfg.Locale)
	if err != nil {
		log.Warn().Err(err).Str("locale", cfg.Locale).Msg("unknown locale, falling back to en")
		locale = language.English
	}

	o := orch.New(reasoner, orch.Config{
		HistoryWindow: cfg.Reasoning.HistoryWindow,
		PerRune:       cfg.Pacing.PerRune,
		MinDelay:      cfg.Pacing.Min,
		MaxDelay:      cfg.Pacing.Max,
		Timeout:       cfg.Reasoning.Timeout,
	})
	dir := app.NewDirectory(st, st, cell, app.NewRoomCatalog(cfg.PublicRooms()), o, app.DirectoryConfig{
		AnnounceJoins: cfg.AnnounceJoins,
		Locale:        locale,
		Sync: stream.Config{
			PageSize:     cfg.Sync.PageSize,
			PollInterval: cfg.Sync.PollInterval,
			MaxCached:    cfg.Sync.MaxCached,
		},
	})

	tokens, err := auth.NewTokens(cfg.Secret, cfg.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tokens")
	}
	ws := wsignal.NewSignalWSController(dir, tokens, wsignal.NewSendRateLimiter(cfg.Rate.Limit, cfg.Rate.Interval), wsignal.Config{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})

	r := router.SetupRouter(ctx, cfg, router.Deps{Dir: dir, Tokens: tokens, Signal: ws})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Lounge server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	dir.Close()
	cell.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("close")
		}
	}
	log.Info().Msg("Server exited gracefully")
}

// openStore picks sqlite when a database path is configured, with redis
// fan-out across processes when a redis url is set. Closers run in order.
func openStore(ctx context.Context, cfg *config.Config) (backend, []io.Closer, error) {
	if cfg.DatabasePath == "" {
		log.Info().Msg("using in-memory store")
		return memory.New(memory.WithAdmins(cfg.Admins), memory.WithBots(cfg.RoomBots())), nil, nil
	}

	var bus core.Bus = pubsub.NewLocal()
	var closers []io.Closer
	if cfg.RedisURL != "" {
		rb, err := pubsub.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		bus = rb
		closers = append(closers, rb)
	}
	st, err := sqlite.Open(cfg.DatabasePath, sqlite.WithBus(bus), sqlite.WithAdmins(cfg.Admins), sqlite.WithBots(cfg.RoomBots()))
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}
	log.Info().Str("path", cfg.DatabasePath).Bool("redis", cfg.RedisURL != "").Msg("using sqlite store")
	// store before bus
	return st, append([]io.Closer{st}, closers...), nil
}
