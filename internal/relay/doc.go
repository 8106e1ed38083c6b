// Package relay holds the process-wide registry of live signaling sessions.
//
// The Registry is the only component allowed to mutate the session set. Every
// operation takes its lock for the duration of a map mutation or copy and
// releases it before handing envelopes to peer channels.
package relay
