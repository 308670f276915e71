// Package stream implements the broker streaming session.
//
// A Session owns at most one live WebSocket connection and drives it
// through an explicit state machine:
//
//	Disconnected -> Connecting -> Authenticating -> Ready
//	Ready -> Reconnecting -> Connecting (backoff, capped attempts)
//	any   -> Closed (explicit close, terminal failure)
//
// Subscriptions are durable desired state: they live in a registry that
// survives connection loss and is replayed after every successful
// re-authentication. Data messages are routed to channel handlers off the
// read path, so a slow or failing handler cannot stall the connection or
// delay control acknowledgements. The cost of that decoupling is that data
// delivery is best-effort: the queue between the read loop and the handlers
// is bounded (Config.DispatchBuffer), and when sustained handler slowness
// fills it, new data messages are dropped and logged rather than
// backpressuring the connection. Handlers that cannot keep up should do
// their own buffering.
//
// Protocol note: control acknowledgements carry no correlation ID. They are
// matched to requests by op (and ch) under the assumption that the server
// answers in request order. Pipelining many concurrent requests of the same
// op is therefore ambiguous; this is a limitation of the wire protocol, not
// of this client.
package stream
