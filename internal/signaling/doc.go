// Package signaling accepts WebSocket clients and routes their envelopes
// through a relay.Registry.
//
// Each connection is driven by one read loop (the handler goroutine) and one
// writer goroutine that owns every data write to the socket.
package signaling
