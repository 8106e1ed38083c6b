// Package protocol defines the JSON envelope exchanged between browser clients
// and the signaling relay.
//
// Every frame is {"type": ..., "data": ...}. The relay only looks inside data
// for the routing key of client-to-client messages; everything else is
// forwarded byte-for-byte (see Envelope.Frame).
package protocol
