package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouterConfig wires the router's dependencies.
type RouterConfig struct {
	Handlers Handlers
	Tokens   *TokenManager
	Metrics  http.Handler // optional; served at /metrics
	Logger   *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(cfg.Logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := r.Group("/v1", RequireToken(cfg.Tokens))
	v1.POST("/calls", cfg.Handlers.MakeCall)
	v1.POST("/calls/quick", cfg.Handlers.QuickCall)
	v1.GET("/calls", cfg.Handlers.ListCalls)
	v1.GET("/calls/:id", cfg.Handlers.GetCall)
	v1.GET("/calls/:id/transcript", cfg.Handlers.GetTranscript)
	v1.GET("/calls/:id/recording", cfg.Handlers.GetRecording)

	return r
}
