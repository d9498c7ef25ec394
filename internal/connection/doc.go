// Package connection implements the streaming session against the Kite
// ticker.
//
// The session:
//   - Holds one WebSocket connection carrying up to 3000 instruments
//   - Subscribes every registry token and sets its mode on each connect
//   - Decodes binary frames and publishes ticks to a Sink, blocking when
//     the sink is full
//   - Reconnects with jittered exponential backoff within a per-session
//     budget, and surfaces budget exhaustion, auth rejection and sink
//     backpressure on Fatal()
//   - On Stop unsubscribes, closes the socket and drains the sink
package connection
