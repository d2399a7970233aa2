package framed

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("framed: invalid security mode")
	ErrTLSRequired             = errors.New("framed: tls required")
	ErrMTLSRequired            = errors.New("framed: mtls required")
	ErrTLSCertFileRequired     = errors.New("framed: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("framed: tls key file required")
	ErrTLSCAFileRequired       = errors.New("framed: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("framed: insecure skip verify not allowed")
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig names the certificate material of one side.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

// Security is the transport policy of the framed platform. Production mode
// demands mutual TLS on both sides.
type Security struct {
	Mode SecurityMode
	TLS  TLSConfig
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

func (s Security) checkMode() (SecurityMode, error) {
	mode := NormalizeSecurityMode(s.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
		return mode, nil
	default:
		return mode, fmt.Errorf("%w: %q", ErrInvalidSecurityMode, s.Mode)
	}
}

func (s Security) ValidateClient() error {
	mode, err := s.checkMode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		switch {
		case !s.TLS.Enabled:
			return ErrTLSRequired
		case !s.TLS.Mutual:
			return ErrMTLSRequired
		case s.TLS.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled && strings.TrimSpace(s.TLS.CAFile) == "" && !s.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if s.TLS.Mutual {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func (s Security) ValidateServer() error {
	mode, err := s.checkMode()
	if err != nil {
		return err
	}
	if mode == SecurityModeProduction {
		if !s.TLS.Enabled {
			return ErrTLSRequired
		}
		if !s.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if s.TLS.Mutual && strings.TrimSpace(s.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ClientTLSConfig returns nil when TLS is disabled. addr supplies the server
// name when none is configured.
func (s Security) ClientTLSConfig(addr string) (*tls.Config, error) {
	if err := s.ValidateClient(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(s.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(s.TLS.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if s.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig returns nil when TLS is disabled.
func (s Security) ServerTLSConfig() (*tls.Config, error) {
	if err := s.ValidateServer(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if s.TLS.Mutual {
		pool, err := loadPool(s.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("framed: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
