// Package signaling terminates the browser-facing WebSocket transport. Each
// accepted connection gets a generated connection id, a bounded outbound
// queue with a single writer goroutine, and per-connection hardening (read
// limit, idle timeout, message rate limit) before frames reach the relay
// router.
package signaling
