// Package signaling serves the consultation signaling WebSocket.
//
// Each connection runs one read loop that authenticates the client, decodes
// messages with the negotiated subprotocol codec and dispatches them to the
// connection registry, the room coordinator and the router. Outbound frames
// go through a bounded per-connection queue drained by a single writer.
package signaling
