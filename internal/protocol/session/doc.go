// Package session owns the page side of portmux sessions.
//
// Ownership boundary:
// - the per-name session registry and its page endpoints
// - the primary host channel lifecycle and reconnect policy
// - pending request bookkeeping
// - stream subchannels in both directions
//
// Every session runs one event loop. Page posts, host payloads and host
// disconnects are events handled strictly in arrival order; only the loop
// touches the primary channel and the subchannel table.
package session
