// Package protocol owns the page<->host message contract.
//
// Ownership boundary:
// - message variants exchanged on a session (request, stream, stream init,
//   error envelope, disconnect)
// - classification of arbitrary decoded payloads into those variants
// - channel naming shared by page and host
// - wire error codes
//
// Transmission encoding lives in protocol/codec; binary framing for stream
// sockets lives in protocol/frame, protocol/tlv and protocol/schema.
package protocol
