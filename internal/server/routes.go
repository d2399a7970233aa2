package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/portmux/internal/auth"
	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/channel/websocket"
	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func newUpgrader(origins []string) gws.Upgrader {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return gws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, err := url.Parse(origin); err != nil {
				return false
			}
			return allowed[strings.TrimRight(origin, "/")]
		},
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Server.Name,
			"version": version,
			"parked":  len(s.hub.Parked()),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	channels := s.router.Group("/")
	if s.cfg.Server.Token != "" {
		channels.Use(auth.Middleware(auth.StaticToken{Token: s.cfg.Server.Token}))
	}
	channels.GET(websocket.PathChannel, s.handleChannel)
	channels.GET(websocket.PathAccept, s.handleAccept)
}

// handleChannel serves a channel the page opened.
func (s *Server) handleChannel(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := websocket.NewConn(name, ws)
	s.hub.ServeChannel(s.ctx, conn)
	_ = conn.Close()
}

// handleAccept parks a page listener until the responder dials it.
func (s *Server) handleAccept(c *gin.Context) {
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	open := func(context.Context) (channel.Channel, error) {
		conn, err := websocket.OpenParked(name, ws)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	abandon := func() { _ = ws.Close() }
	if err := s.hub.Park(name, open, abandon); err != nil {
		s.logger.Warn().Str("channel", name).Err(err).Msg("refusing listener")
		_ = ws.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
}
