// Package runtime contains the daemon core: the server accepting transport
// channels, the per-channel session dispatcher, and the request executor
// that drives pooled HTTP attempts through the resilience layer.
package runtime
