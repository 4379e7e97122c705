package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Lounge/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const devSecret = "lounge-dev-secret"

type BotConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Avatar  string `mapstructure:"avatar"`
	Persona string `mapstructure:"persona"`
}

type RoomConfig struct {
	ID          string      `mapstructure:"id"`
	Name        string      `mapstructure:"name"`
	Topic       string      `mapstructure:"topic"`
	Description string      `mapstructure:"description"`
	Bots        []BotConfig `mapstructure:"bots"`
}

// Room converts the configured room to its domain form.
func (r RoomConfig) Room() domain.Room {
	room := domain.Room{
		ID:          domain.RoomID(r.ID),
		Name:        domain.RoomName(r.Name),
		Kind:        domain.RoomPublic,
		Topic:       r.Topic,
		Description: r.Description,
	}
	for _, b := range r.Bots {
		room.Bots = append(room.Bots, domain.User{
			ID:          domain.UserID(b.ID),
			DisplayName: b.Name,
			AvatarRef:   b.Avatar,
			Persona:     b.Persona,
			IsBot:       true,
		})
	}
	return room
}

type ReasoningConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	HistoryWindow int           `mapstructure:"history_window"`
}

type PacingConfig struct {
	Min     time.Duration `mapstructure:"min"`
	Max     time.Duration `mapstructure:"max"`
	PerRune time.Duration `mapstructure:"per_rune"`
}

type SyncConfig struct {
	PageSize     int           `mapstructure:"page_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxCached    int           `mapstructure:"max_cached"`
}

type RateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode          string          `mapstructure:"mode"`
	Port          int             `mapstructure:"port"`
	StaticPath    string          `mapstructure:"static_path"`
	ReadLimit     int64           `mapstructure:"read_limit"`
	PingPeriod    time.Duration   `mapstructure:"ping_period"`
	Secret        string          `mapstructure:"secret"`
	TokenTTL      time.Duration   `mapstructure:"token_ttl"`
	LogLevel      string          `mapstructure:"log_level"`
	CORSOrigins   []string        `mapstructure:"cors_origins"`
	DatabasePath  string          `mapstructure:"database_path"`
	RedisURL      string          `mapstructure:"redis_url"`
	Locale        string          `mapstructure:"locale"`
	AnnounceJoins bool            `mapstructure:"announce_joins"`
	Admins        []string        `mapstructure:"admins"`
	Reasoning     ReasoningConfig `mapstructure:"reasoning"`
	Pacing        PacingConfig    `mapstructure:"pacing"`
	Sync          SyncConfig      `mapstructure:"sync"`
	Rate          RateConfig      `mapstructure:"rate"`
	Rooms         []RoomConfig    `mapstructure:"rooms"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. LOUNGE_* environment variables
// override both, with nested keys joined by underscores
// (LOUNGE_REASONING_URL).
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("LOUNGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("token_ttl", "24h")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_origins", []string{})
	v.SetDefault("database_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("locale", "en")
	v.SetDefault("announce_joins", false)
	v.SetDefault("reasoning.url", "")
	v.SetDefault("reasoning.api_key", "")
	v.SetDefault("reasoning.model", "")
	v.SetDefault("reasoning.timeout", "20s")
	v.SetDefault("reasoning.history_window", 10)
	v.SetDefault("pacing.min", "800ms")
	v.SetDefault("pacing.max", "2500ms")
	v.SetDefault("pacing.per_rune", "40ms")
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.poll_interval", "3s")
	v.SetDefault("sync.max_cached", 1000)
	v.SetDefault("rate.limit", 5)
	v.SetDefault("rate.interval", "5s")
	v.SetDefault("rooms", []map[string]any{
		{"id": "general", "name": "General", "topic": "anything goes"},
	})

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("sqlite", cfg.DatabasePath != "").Bool("redis", cfg.RedisURL != "").Int("rooms", len(cfg.Rooms)).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Secret == "" {
		if c.Mode == "release" {
			return errors.New("secret is required in release mode")
		}
		log.Warn().Str("module", "config").Msg("no secret configured, using the development secret")
		c.Secret = devSecret
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.RedisURL != "" && c.DatabasePath == "" {
		return errors.New("redis_url requires database_path: the in-memory store is single-process")
	}
	seen := make(map[string]bool, len(c.Rooms))
	for _, r := range c.Rooms {
		if r.ID == "" || domain.IsPrivateRoomID(domain.RoomID(r.ID)) {
			return fmt.Errorf("invalid room id %q", r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate room id %q", r.ID)
		}
		seen[r.ID] = true
		for _, b := range r.Bots {
			if b.ID == "" || b.Name == "" {
				return fmt.Errorf("room %q: bots need an id and a name", r.ID)
			}
		}
	}
	return nil
}

// RoomBots maps each room id to the ids of its bots.
func (c *Config) RoomBots() map[string][]string {
	out := make(map[string][]string, len(c.Rooms))
	for _, r := range c.Rooms {
		for _, b := range r.Bots {
			out[r.ID] = append(out[r.ID], b.ID)
		}
	}
	return out
}

// PublicRooms is the configured room list in domain form.
func (c *Config) PublicRooms() []domain.Room {
	out := make([]domain.Room, 0, len(c.Rooms))
	for _, r := range c.Rooms {
		out = append(out, r.Room())
	}
	return out
}
