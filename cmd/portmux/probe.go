package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/portmux/internal/auth"
	"github.com/danmuck/portmux/internal/channel"
	"github.com/danmuck/portmux/internal/channel/framed"
	"github.com/danmuck/portmux/internal/channel/websocket"
	"github.com/danmuck/portmux/internal/logging"
	"github.com/danmuck/portmux/internal/protocol"
	"github.com/danmuck/portmux/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type probeOptions struct {
	url         string
	framedAddr  string
	sessionName string
	message     string
	stream      int
	timeout     time.Duration
	security    framed.Security
	mode        string
	token       string
}

func newProbeCommand() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open a session against a server, send one request and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			host, err := opts.host()
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), host, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://127.0.0.1:9400", "websocket server base url")
	f.StringVar(&opts.framedAddr, "framed", "", "framed server address (used instead of --url)")
	f.StringVar(&opts.token, "token", "", "shared token for the websocket server")
	f.StringVar(&opts.sessionName, "session", "probe", "session name")
	f.StringVar(&opts.message, "message", "ping", "request message")
	f.IntVar(&opts.stream, "stream", 0, "ask the server for a stream of n chunks")
	f.DurationVar(&opts.timeout, "timeout", 10*time.Second, "overall deadline")
	f.StringVar(&opts.mode, "security-mode", string(framed.SecurityModeDevelopment), "framed security mode")
	f.BoolVar(&opts.security.TLS.Enabled, "tls", false, "use tls for framed")
	f.BoolVar(&opts.security.TLS.Mutual, "mtls", false, "present a client certificate")
	f.StringVar(&opts.security.TLS.CAFile, "ca", "", "ca bundle")
	f.StringVar(&opts.security.TLS.CertFile, "cert", "", "client certificate")
	f.StringVar(&opts.security.TLS.KeyFile, "key", "", "client key")
	f.StringVar(&opts.security.TLS.ServerName, "server-name", "", "tls server name")
	return cmd
}

func (o probeOptions) host() (channel.Host, error) {
	if o.framedAddr == "" {
		var wsOpts []websocket.Option
		if o.token != "" {
			wsOpts = append(wsOpts, websocket.WithHeader(auth.BearerHeader(o.token)))
		}
		h, err := websocket.New(o.url, wsOpts...)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
	o.security.Mode = framed.SecurityMode(o.mode)
	tlsCfg, err := o.security.ClientTLSConfig(o.framedAddr)
	if err != nil {
		return nil, err
	}
	h, err := framed.New(o.framedAddr, framed.WithTLS(tlsCfg))
	if err != nil {
		return nil, err
	}
	return h, nil
}

func runProbe(ctx context.Context, out io.Writer, host channel.Host, opts probeOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	reg := session.NewRegistry(host, session.DefaultConfig())
	defer reg.CloseAll()
	ep, err := reg.Endpoint(opts.sessionName)
	if err != nil {
		return err
	}

	req := protocol.RequestMessage{RequestID: uuid.NewString(), Message: opts.message}
	if opts.stream > 0 {
		req.Message = map[string]any{"stream": opts.stream}
	}
	if err := ep.Post(req); err != nil {
		return err
	}

	it, err := ep.Recv(ctx)
	if err != nil {
		return err
	}
	switch v := it.(type) {
	case protocol.RequestMessage:
		return printJSON(out, map[string]any{"requestId": v.RequestID, "message": v.Message})
	case protocol.ErrorEnvelope:
		_ = printJSON(out, map[string]any{"requestId": v.RequestID, "code": v.Error.Code, "message": v.Error.Message})
		return v.Err()
	case protocol.StreamInit:
		fmt.Fprintf(out, "stream %s\n", v.Channel)
		for {
			item, err := v.Stream.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := printJSON(out, item); err != nil {
				return err
			}
		}
	case protocol.Disconnect:
		return channel.ErrDisconnected
	default:
		return fmt.Errorf("unexpected item %T", it)
	}
}

func printJSON(out io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
