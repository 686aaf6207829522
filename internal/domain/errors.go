package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
	ErrInvalidInput = errors.New("invalid input")

	// Streaming connection failures. All of them end the connection and are
	// resolved by the reconnect loop; none reach the decision engine.
	ErrConnect           = errors.New("connect failed")
	ErrStaleConnection   = errors.New("stale connection")
	ErrSubscribeRejected = errors.New("subscribe rejected")

	// ErrFrameParse marks a single inbound frame that could not be decoded.
	// The frame is dropped; the connection is unaffected.
	ErrFrameParse = errors.New("frame parse error")

	// Research failures map to a RejectionRecord for the market.
	ErrResearch        = errors.New("research failed")
	ErrResearchParse   = errors.New("research response unparseable")
	ErrResearchSkipped = errors.New("research skipped")
)
