// Package connection is a thin adapter over a WebSocket connection.
//
// It owns exactly one underlying gorilla/websocket connection and exposes:
//   - a buffered channel of inbound frames, closed when the read pump exits
//   - serialized writes (the transport forbids concurrent writers)
//   - an error channel reporting connection failure
//   - idempotent Close
//
// It has no knowledge of the broker protocol; framing and authentication
// live in the stream package.
package connection
