// Package server exposes the relay over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CadiZhang/space-shooter/internal/relay"
)

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// allows every origin.
	AllowedOrigins []string

	// Release switches gin to release mode.
	Release bool

	Logger *slog.Logger
}

// NewRouter returns the relay's HTTP handler: GET /ws upgrades to the
// signaling protocol, GET /health reports liveness and load.
func NewRouter(hub *relay.Hub, opts Options) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", healthCheckHandler(hub))
	router.GET("/ws", ServeWs(hub, newUpgrader(opts.AllowedOrigins), logger))
	return router
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowed, origin)
		},
	}
}

// healthCheckHandler reports the number of open signaling connections.
func healthCheckHandler(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": hub.Connections(),
			"rooms":       hub.Rooms(),
		})
	}
}

// ServeWs upgrades the request and hands the connection to the hub.
func ServeWs(hub *relay.Hub, upgrader websocket.Upgrader, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", "remote", c.ClientIP(), "error", err)
			return
		}
		hub.ServeConn(conn)
	}
}
