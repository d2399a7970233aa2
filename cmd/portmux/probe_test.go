package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/portmux/internal/config"
	"github.com/danmuck/portmux/internal/server"
	"github.com/danmuck/portmux/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func startServer(t *testing.T) string {
	t.Helper()
	srv, err := server.New(config.Default(), log.Logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts.URL
}

func TestProbeEcho(t *testing.T) {
	testlog.Start(t)
	opts := probeOptions{url: startServer(t), sessionName: "probe", message: "ping", timeout: 5 * time.Second}
	host, err := opts.host()
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	var out bytes.Buffer
	if err := runProbe(context.Background(), &out, host, opts); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(out.String(), `"message":"ping"`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestProbeStream(t *testing.T) {
	testlog.Start(t)
	opts := probeOptions{url: startServer(t), sessionName: "probe", stream: 2, timeout: 5 * time.Second}
	host, err := opts.host()
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	var out bytes.Buffer
	if err := runProbe(context.Background(), &out, host, opts); err != nil {
		t.Fatalf("probe: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "stream probe STREAM ") || lines[1] != "1" || lines[2] != "2" {
		t.Fatalf("unexpected output: %q", lines)
	}
}

func TestProbeRejectsBadFramedSecurity(t *testing.T) {
	opts := probeOptions{framedAddr: "127.0.0.1:1", mode: "production"}
	if _, err := opts.host(); err == nil {
		t.Fatalf("expected production mode without tls to fail")
	}
}
