package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	healthhandler "waypoint/internal/health/handler"
	"waypoint/internal/security"
	"waypoint/internal/server/interceptors"
	"waypoint/internal/transport/ws"
)

// HTTPDeps are the collaborators of the HTTP router.
type HTTPDeps struct {
	// Base outlives individual requests; connections use it so a hijacked socket is not tied to the
	// upgrade request.
	Base     context.Context
	Hub      *ws.Hub
	Engine   ws.Engine
	Verifier interceptors.Verifier
	Health   *healthhandler.Server
	Gatherer prometheus.Gatherer
	Service  string
	Log      *zap.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Mobile and web clients connect from arbitrary origins; the access token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter returns the gin engine serving /ws, /ws/guest, /healthz and /metrics.
func NewRouter(d HTTPDeps) *gin.Engine {
	if d.Base == nil {
		d.Base = context.Background()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Service == "" {
		d.Service = "waypoint"
	}
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(d.Service), requestLog(d.Log))

	r.GET("/ws", interceptors.RequireIdentity(d.Verifier), func(c *gin.Context) {
		id, _ := interceptors.GetIdentity(c.Request.Context())
		serveWS(c, d, &id)
	})
	r.GET("/ws/guest", func(c *gin.Context) { serveWS(c, d, nil) })

	r.GET("/healthz", func(c *gin.Context) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Health.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func serveWS(c *gin.Context, d HTTPDeps, id *security.Identity) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.Log.Debug("http: websocket upgrade failed", zap.Error(err))
		return
	}
	d.Hub.Serve(d.Base, conn, d.Engine, id)
}

// requestLog logs plain HTTP requests. Upgraded connections are logged by the hub.
func requestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() == http.StatusSwitchingProtocols {
			return
		}
		log.Debug("http: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
