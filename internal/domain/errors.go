package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrContextDone  = errors.New("context cancelled")
	ErrLockHeld     = errors.New("lock already held")

	// ErrValidation marks malformed caller input. It is returned before any
	// upstream call is made.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamCritical marks an upstream failure the evaluation cannot
	// proceed without (quote fetch exhausted its retries).
	ErrUpstreamCritical = errors.New("critical upstream failure")

	// ErrUpstreamDegraded marks an advisory upstream failure. It never
	// crosses the engine boundary.
	ErrUpstreamDegraded = errors.New("upstream degraded")

	// ErrFeedGivenUp is returned by feed operations after the reconnect
	// budget is exhausted and before an explicit reconnect.
	ErrFeedGivenUp = errors.New("feed reconnect attempts exhausted")

	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrPrecisionLoss     = errors.New("amount exceeds token precision")
)
