// Package ratelimit provides the per-connection inbound message limiter.
package ratelimit
