package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes a commented starter portmux.toml.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

const Template = `[session]
connect_timeout = "5s"
send_timeout = "5s"
event_buffer = 64
stream_accept_timeout = "15s"

[server]
name = "portmux"
addr = ":9400"
cors_origins = ["http://localhost:3000"]
park_timeout = "15s"
# largest {stream: n} the built-in responder serves
max_stream_items = 10000
# shared token for /channel and /accept; empty disables the check
token = ""

[framed]
enabled = false
addr = ":9401"
handshake_timeout = "5s"
max_payload_bytes = 8388608
# development | production (production requires mutual tls)
security_mode = "development"

[framed.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
`
