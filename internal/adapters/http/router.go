package http

import (
	"context"
	"net/http"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/auth"
	"github.com/dkeye/Lounge/internal/adapters/signal"
	"github.com/dkeye/Lounge/internal/app"
	"github.com/dkeye/Lounge/internal/config"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionName = "LoungeSessions"

type Deps struct {
	Dir    *app.Directory
	Tokens *auth.Tokens
	Signal *signal.SignalWSController
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string          `json:"token"`
	User  domain.Identity `json:"user"`
}

// SessionTokenMiddleware exposes the token kept in the cookie session to the
// websocket handler, for browsers that cannot set headers on upgrade.
func SessionTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok, ok := sessions.Default(c).Get(signal.TokenKey).(string); ok && tok != "" {
			c.Set(signal.TokenKey, tok)
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: int(cfg.TokenTTL.Seconds()), HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(SessionTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{deps: deps}
	api := r.Group("/api")
	api.POST("/register", h.register)
	api.POST("/login", h.login)
	api.POST("/logout", h.logout)
	api.GET("/rooms", h.rooms)
	api.GET("/ws", func(c *gin.Context) {
		deps.Signal.HandleSignal(ctx, c)
	})

	return r
}

type handlers struct {
	deps Deps
}

func (h *handlers) fail(c *gin.Context, err error) {
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	c.JSON(signal.HTTPStatus(err), gin.H{"error": signal.ErrorCode(err)})
}

// issue hands the token back in the body and keeps it in the cookie session.
func (h *handlers) issue(c *gin.Context, id domain.Identity) {
	tok, err := h.deps.Tokens.Issue(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Set(signal.TokenKey, tok)
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.JSON(http.StatusOK, authResponse{Token: tok, User: id})
}

func (h *handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	id, err := h.deps.Dir.Register(c.Request.Context(), core.Registration{
		Email:       req.Email,
		Secret:      req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("uid", string(id.ID)).Msg("registered")
	h.issue(c, id)
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation"})
		return
	}
	id, err := h.deps.Dir.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.issue(c, id)
}

func (h *handlers) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Delete(signal.TokenKey)
	if err := sess.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.Status(http.StatusNoContent)
}

// identity is optional here; an anonymous caller sees the public catalog.
func (h *handlers) identity(c *gin.Context) (domain.Identity, bool) {
	tok := auth.ExtractTokenFromRequest(c.Request)
	if tok == "" {
		tok = c.GetString(signal.TokenKey)
	}
	if tok == "" {
		return domain.Identity{}, false
	}
	id, err := h.deps.Tokens.Parse(tok)
	return id, err == nil
}

func (h *handlers) rooms(c *gin.Context) {
	dir := h.deps.Dir
	public := dir.Rooms.Public()
	for i := range public {
		public[i].Muted = dir.Cell.Muted(public[i].ID)
	}
	resp := gin.H{"rooms": public}
	if id, ok := h.identity(c); ok {
		resp["private"] = dir.Rooms.PrivateOf(id.ID)
	}
	c.JSON(http.StatusOK, resp)
}
