// Package protocol defines the logical message model and framing used on the
// transport channel between connector SDKs and the runtime daemon.
//
// Every message on a channel is a self-delimited frame:
//
//	[length:4 big-endian][kind:1][payload:length-1]
//
// where length covers the kind byte plus the payload. Payloads carry the
// logical records below encoded as JSON; the framing is independent of the
// payload encoding, so a schema-based codec can replace JSON without touching
// the frame layer.
package protocol
