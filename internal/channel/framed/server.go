package framed

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/protocol/frame"
	"github.com/danmuck/portmux/internal/protocol/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Failure codes the server sends in Error frames.
const (
	CodeBadOpen       = "bad_open"
	CodeAlreadyExists = "already_exists"
)

// Server accepts framed connections and hands them to a channel.Handler.
type Server struct {
	handler channel.Handler
	opts    options
	wg      sync.WaitGroup
}

func NewServer(handler channel.Handler, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{handler: handler, opts: o}
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "framed listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve takes ownership of ln. It returns nil once ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.tls != nil {
		ln = tls.NewListener(ln, s.opts.tls)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.opts.tls != nil).Msg("framed server listening")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			s.wg.Wait()
			return errors.Wrap(err, "framed accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	remote := nc.RemoteAddr().String()
	_ = nc.SetDeadline(time.Now().Add(s.opts.handshakeTimeout))
	r := bufio.NewReader(nc)

	f, err := frame.ReadFrame(r, s.opts.limits)
	if err != nil {
		log.Debug().Str("remote", remote).Err(err).Msg("framed handshake read failed")
		_ = nc.Close()
		return
	}
	if f.Header.MessageType != schema.MsgOpen {
		s.reject(nc, schema.Failure{Code: CodeBadOpen, Message: "expected open"})
		return
	}
	open, err := schema.DecodeOpen(f.Payload)
	if err != nil {
		s.reject(nc, schema.Failure{Code: CodeBadOpen, Message: err.Error()})
		return
	}

	switch open.Role {
	case schema.RoleConnect:
		if err := s.ack(nc, schema.MsgOpenAck, open.Channel); err != nil {
			_ = nc.Close()
			return
		}
		_ = nc.SetDeadline(time.Time{})
		conn := newConn(open.Channel, nc, r, s.opts.limits)
		log.Debug().Str("remote", remote).Str("channel", open.Channel).Msg("framed channel opened")
		s.handler.ServeChannel(ctx, conn)
		_ = conn.Close()
	case schema.RoleAccept:
		openFn := func(ctx context.Context) (channel.Channel, error) {
			if err := s.ack(nc, schema.MsgAttach, open.Channel); err != nil {
				_ = nc.Close()
				return nil, errors.Wrapf(channel.ErrDisconnected, "framed attach %q: %v", open.Channel, err)
			}
			return newConn(open.Channel, nc, r, s.opts.limits), nil
		}
		abandon := func() { _ = nc.Close() }
		if err := s.ack(nc, schema.MsgOpenAck, open.Channel); err != nil {
			_ = nc.Close()
			return
		}
		_ = nc.SetDeadline(time.Time{})
		if err := s.handler.Park(open.Channel, openFn, abandon); err != nil {
			s.reject(nc, schema.Failure{Code: CodeAlreadyExists, Message: err.Error()})
			return
		}
		log.Debug().Str("remote", remote).Str("channel", open.Channel).Msg("framed listener parked")
	}
}

func (s *Server) ack(nc net.Conn, messageType uint16, name string) error {
	_ = nc.SetWriteDeadline(time.Now().Add(s.opts.handshakeTimeout))
	return frame.WriteFrame(nc, frame.New(messageType, 0, schema.EncodeChannel(name)), s.opts.limits)
}

func (s *Server) reject(nc net.Conn, failure schema.Failure) {
	log.Warn().Str("remote", nc.RemoteAddr().String()).Str("code", failure.Code).Msg(failure.Message)
	_ = nc.SetWriteDeadline(time.Now().Add(s.opts.handshakeTimeout))
	_ = frame.WriteFrame(nc, frame.New(schema.MsgError, 0, failure.Encode()), s.opts.limits)
	_ = nc.Close()
}
