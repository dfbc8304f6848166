package http

import (
	"context"

	"github.com/dkeye/peercall/internal/adapters/hub"
	"github.com/dkeye/peercall/internal/config"
	handlers "github.com/dkeye/peercall/internal/transport/http"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientCookie = "ct"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every client a stable token, kept both in a
// plain cookie and in the signed session.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientCookie).(string)
		if token == "" {
			token, _ = c.Cookie(clientCookie)
		}
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientCookie, token, 3600*24*7, "/", "", false, true)
		}
		if session.Get(clientCookie) != token {
			session.Set(clientCookie, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *hub.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeercallSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/store", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws store endpoint hit")
		h.HandleStore(ctx, c)
	})

	calls := handlers.NewCallsHandler(h)
	api.GET("/calls", calls.List)
	api.GET("/calls/:id", calls.Get)
	api.GET("/health", calls.Health)

	return r
}
