// Package transport moves protocol frames over the supported bindings.
//
// Every duplex binding implements Conn: Send writes one frame, Receive
// blocks for the next inbound frame and returns ErrClosed once the stream
// has ended. Server-side bindings implement Listener and hand out one Conn
// per accepted peer.
//
// Bindings:
//   - DialWS: WebSocket client (forward WS for applications, reverse WS for implementations)
//   - WSServer: WebSocket listener (reverse WS for applications, forward WS for implementations)
//   - HTTPClient: posts actions and feeds the synchronous replies back through
//     Receive; optionally long-polls get_latest_events
//   - WebhookServer: accepts event POSTs from implementations, one Conn per implementation
//   - WebhookClient: posts events to an application URL
//   - HTTPServer: answers action POSTs synchronously
//
// Establishment failures (refused, handshake timeout, bad token, version
// mismatch) wrap ErrConnection. This package never retries.
package transport
