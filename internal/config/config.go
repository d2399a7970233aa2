// Package config loads portmux.toml. Keys absent from the file keep their
// defaults.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/portmux/internal/channel/framed"
	"github.com/danmuck/portmux/internal/protocol/frame"
	"github.com/danmuck/portmux/internal/protocol/session"
)

// DefaultMaxStreamItems caps the demo responder's {stream: n} requests.
const DefaultMaxStreamItems = 10000

type Config struct {
	Session session.Config
	Server  ServerConfig
	Framed  FramedConfig
}

// ServerConfig is the HTTP side of the host server.
type ServerConfig struct {
	Name        string
	Addr        string
	CorsOrigins []string
	// ParkTimeout bounds how long a page listener waits for a host peer.
	ParkTimeout time.Duration
	// Token, when set, is required on the channel routes.
	Token string
	// MaxStreamItems is the largest stream the responder will serve.
	MaxStreamItems int
}

type FramedConfig struct {
	Enabled          bool
	Addr             string
	HandshakeTimeout time.Duration
	MaxPayloadBytes  uint32
	Security         framed.Security
}

func Default() Config {
	return Config{
		Session: session.DefaultConfig(),
		Server: ServerConfig{
			Name:           "portmux",
			Addr:           ":9400",
			CorsOrigins:    []string{"http://localhost:3000"},
			ParkTimeout:    15 * time.Second,
			MaxStreamItems: DefaultMaxStreamItems,
		},
		Framed: FramedConfig{
			Enabled:          false,
			Addr:             ":9401",
			HandshakeTimeout: framed.DefaultHandshakeTimeout,
			MaxPayloadBytes:  frame.DefaultLimits().MaxPayloadBytes,
			Security:         framed.Security{Mode: framed.SecurityModeDevelopment},
		},
	}
}

type fileConfig struct {
	Session fileSession `toml:"session"`
	Server  fileServer  `toml:"server"`
	Framed  fileFramed  `toml:"framed"`
}

type fileSession struct {
	ConnectTimeout      string `toml:"connect_timeout"`
	SendTimeout         string `toml:"send_timeout"`
	EventBuffer         int    `toml:"event_buffer"`
	StreamAcceptTimeout string `toml:"stream_accept_timeout"`
}

type fileServer struct {
	Name           string   `toml:"name"`
	Addr           string   `toml:"addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	ParkTimeout    string   `toml:"park_timeout"`
	Token          string   `toml:"token"`
	MaxStreamItems int      `toml:"max_stream_items"`
}

type fileFramed struct {
	Enabled          bool    `toml:"enabled"`
	Addr             string  `toml:"addr"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	MaxPayloadBytes  uint32  `toml:"max_payload_bytes"`
	SecurityMode     string  `toml:"security_mode"`
	TLS              fileTLS `toml:"tls"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load portmux config (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load portmux config (%s): unknown key %q", path, undecoded[0].String())
	}

	cfg := Default()
	if err := applySession(&cfg.Session, raw.Session, meta); err != nil {
		return Config{}, err
	}
	if err := applyServer(&cfg.Server, raw.Server, meta); err != nil {
		return Config{}, err
	}
	if err := applyFramed(&cfg.Framed, raw.Framed, meta); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applySession(cfg *session.Config, raw fileSession, meta toml.MetaData) error {
	var err error
	if meta.IsDefined("session", "connect_timeout") {
		if cfg.ConnectTimeout, err = parseDuration("session.connect_timeout", raw.ConnectTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("session", "send_timeout") {
		if cfg.SendTimeout, err = parseDuration("session.send_timeout", raw.SendTimeout); err != nil {
			return err
		}
	}
	if meta.IsDefined("session", "event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("session", "stream_accept_timeout") {
		if cfg.StreamAcceptTimeout, err = parseDuration("session.stream_accept_timeout", raw.StreamAcceptTimeout); err != nil {
			return err
		}
	}
	return nil
}

func applyServer(cfg *ServerConfig, raw fileServer, meta toml.MetaData) error {
	if meta.IsDefined("server", "name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("server", "addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("server", "token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("server", "max_stream_items") {
		cfg.MaxStreamItems = raw.MaxStreamItems
	}
	if meta.IsDefined("server", "park_timeout") {
		d, err := parseDuration("server.park_timeout", raw.ParkTimeout)
		if err != nil {
			return err
		}
		cfg.ParkTimeout = d
	}
	return nil
}

func applyFramed(cfg *FramedConfig, raw fileFramed, meta toml.MetaData) error {
	if meta.IsDefined("framed", "enabled") {
		cfg.Enabled = raw.Enabled
	}
	if meta.IsDefined("framed", "addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("framed", "handshake_timeout") {
		d, err := parseDuration("framed.handshake_timeout", raw.HandshakeTimeout)
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("framed", "max_payload_bytes") {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("framed", "security_mode") {
		cfg.Security.Mode = framed.NormalizeSecurityMode(framed.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("framed", "tls") {
		cfg.Security.TLS = framed.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return nil
}

func (c Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Server.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if err := validateAddr("server.addr", c.Server.Addr); err != nil {
		return err
	}
	if c.Server.ParkTimeout <= 0 {
		return fmt.Errorf("server.park_timeout must be positive")
	}
	if c.Server.MaxStreamItems <= 0 {
		return fmt.Errorf("server.max_stream_items must be positive")
	}
	if !c.Framed.Enabled {
		return nil
	}
	if err := validateAddr("framed.addr", c.Framed.Addr); err != nil {
		return err
	}
	if c.Framed.HandshakeTimeout <= 0 {
		return fmt.Errorf("framed.handshake_timeout must be positive")
	}
	if c.Framed.MaxPayloadBytes == 0 {
		return fmt.Errorf("framed.max_payload_bytes must be positive")
	}
	if err := c.Framed.Security.ValidateServer(); err != nil {
		return fmt.Errorf("framed security: %w", err)
	}
	return nil
}

// Limits converts the payload bound for the frame reader.
func (f FramedConfig) Limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: f.MaxPayloadBytes}
}

func validateAddr(key, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s is required", key)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s %q: %w", key, addr, err)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
