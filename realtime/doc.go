// Package realtime provides a Go client for a realtime publish/subscribe
// service reached over a persistent WebSocket connection.
//
// The primary lifecycle is:
//   - construct a Client with NewClient and a ClientOptions value
//   - Connect (or rely on AutoConnect) and observe Connection state changes
//   - obtain channels with Channels().Get and Attach, Publish, Subscribe
//   - Close when finished
//
// All connection and channel state is owned by a per-client serial queue.
// Exported methods may be called from any goroutine; their effects are queued
// and completions are reported through Result values or, for the blocking
// helpers, through the returned error. Event listeners run on a dedicated
// dispatch goroutine and never on the caller's stack.
//
// Dropped transports are retried with backoff and resumed where the service
// allows it. Unacknowledged publishes are replayed on resume and failed with
// ErrorCodeConnectionDiscontinuity when continuity is lost.
//
// Errors are reported as *ErrorInfo values created with NewError and carry a
// service error code, an HTTP-like status code and an optional cause.
package realtime
