// Package handlers wires the connection upgrade endpoint into the channel
// engine.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/erebus-sh/erebus/internal/gateway/channel"
	"github.com/erebus-sh/erebus/pkg/geoip"
	"github.com/erebus-sh/erebus/pkg/logging"
)

// Headers on the upgrade request.
const (
	HeaderGrant        = "X-Grant"
	HeaderLocationHint = "X-Location-Hint"

	defaultLocationHint = "default"
)

// Handler serves the pub/sub upgrade endpoint.
type Handler struct {
	registry *channel.Registry
	geo      *geoip.Resolver
	cfg      channel.Config
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// New creates the handler. geo may be nil; location hints then fall back
// to the default.
func New(registry *channel.Registry, geo *geoip.Resolver, cfg channel.Config, logger logging.Logger) *Handler {
	return &Handler{
		registry: registry,
		geo:      geo,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes attaches the pub/sub endpoint to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/v1/pubsub", h.HandleUpgrade)
}

// HandleUpgrade upgrades the connection and hands it to the channel
// engine. The grant may arrive as the X-Grant header or inside the first
// Connect frame; the location hint falls back to GeoIP on the client IP.
func (h *Handler) HandleUpgrade(c *gin.Context) {
	hint := c.GetHeader(HeaderLocationHint)
	if hint == "" && h.geo != nil {
		hint = h.geo.Hint(c.ClientIP())
	}
	if hint == "" {
		hint = defaultLocationHint
	}

	grantToken := c.GetHeader(HeaderGrant)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Connection upgrade failed")
		return
	}

	conn := channel.NewConn(ws, hint, h.registry, h.cfg, h.logger)
	go conn.Serve(grantToken)
}
