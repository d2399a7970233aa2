// Package server is the host side of portmux: it accepts page channels over
// websocket and framed TCP and serves them with a Responder.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/portmux/internal/channel/framed"
	"github.com/danmuck/portmux/internal/config"
	"github.com/danmuck/portmux/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	cfg       config.Config
	logger    zerolog.Logger
	router    *gin.Engine
	hub       *Hub
	responder *Responder
	upgrader  gws.Upgrader
	appeared  time.Time

	// ctx bounds every channel the server serves.
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg config.Config, logger zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.RegisterMetrics()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Server.Name))
	if len(cfg.Server.CorsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.Server.CorsOrigins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	hub := NewHub(cfg.Server.ParkTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    r,
		hub:       hub,
		responder: NewResponder(hub, cfg.Session.SendTimeout, cfg.Session.StreamAcceptTimeout, cfg.Server.MaxStreamItems),
		upgrader:  newUpgrader(cfg.Server.CorsOrigins),
		appeared:  time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Framed builds the framed platform server sharing this server's hub.
func (s *Server) Framed() (*framed.Server, error) {
	tlsCfg, err := s.cfg.Framed.Security.ServerTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "framed tls")
	}
	return framed.NewServer(s.hub,
		framed.WithTLS(tlsCfg),
		framed.WithLimits(s.cfg.Framed.Limits()),
		framed.WithHandshakeTimeout(s.cfg.Framed.HandshakeTimeout),
	), nil
}

// Run serves HTTP, and framed TCP when enabled, until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	var (
		fs *framed.Server
		ln net.Listener
	)
	if s.cfg.Framed.Enabled {
		var err error
		if fs, err = s.Framed(); err != nil {
			return err
		}
		if ln, err = net.Listen("tcp", s.cfg.Framed.Addr); err != nil {
			return errors.Wrapf(err, "framed listen %s", s.cfg.Framed.Addr)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	httpSrv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info().Str("addr", s.cfg.Server.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if fs != nil {
		g.Go(func() error {
			return fs.Serve(ctx, ln)
		})
	}
	return g.Wait()
}

// Close ends every served channel and releases parked listeners.
func (s *Server) Close() {
	s.cancel()
	s.hub.Close()
}
