package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/adapters/ws"
	"github.com/dkeye/sfusignal/internal/app"
	"github.com/dkeye/sfusignal/internal/config"
	"github.com/dkeye/sfusignal/internal/metrics"
	"github.com/dkeye/sfusignal/internal/protocol"
)

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags every request with an id, reusing the caller's
// X-Request-ID when present.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// WSOptions derives per-connection websocket settings from cfg.
func WSOptions(cfg *config.RelayConfig) ws.Options {
	return ws.Options{
		SendBuffer: cfg.SendBuffer,
		WriteWait:  cfg.WriteWait,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
	}
}

// SetupRouter wires the relay endpoints. gatherer may be nil when metrics are
// disabled.
func SetupRouter(ctx context.Context, cfg *config.RelayConfig, relay *app.Relay, m *metrics.Metrics, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(m.Middleware())

	opts := WSOptions(cfg)
	r.GET("/ws", func(c *gin.Context) {
		conn, err := ws.Upgrade(c.Writer, c.Request, opts)
		if err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Msg("ws upgrade failed")
			return
		}
		id := uuid.NewString()
		log.Debug().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Str("conn_id", id).Msg("ws accepted")
		conn.Start(relay.Accept(id, conn))

		select {
		case <-conn.Done():
		case <-ctx.Done():
			_ = conn.Close()
		}
	})

	api := r.Group("/api")
	api.GET("/groups", func(c *gin.Context) {
		c.JSON(http.StatusOK, protocol.NewGroupList(relay.Registry().Groups()).GroupListResponse)
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if cfg.MetricsEnabled && gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Bool("metrics", cfg.MetricsEnabled).Msg("router setup")
	return r
}
