package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// FeedState is the lifecycle state of the streaming quote connection.
type FeedState int

const (
	FeedDisconnected FeedState = iota
	FeedConnecting
	FeedConnected
	FeedReconnecting
	FeedGivenUp
)

func (s FeedState) String() string {
	switch s {
	case FeedDisconnected:
		return "disconnected"
	case FeedConnecting:
		return "connecting"
	case FeedConnected:
		return "connected"
	case FeedReconnecting:
		return "reconnecting"
	case FeedGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s FeedState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Inbound feed event types dispatched to subscribers.
const (
	FeedEventQuote = "quote"
	FeedEventTrade = "trade"
	FeedEventBlock = "block"
)

// FeedEvent is one inbound stream message delivered to a subscriber.
type FeedEvent struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// FeedStatus is a point-in-time view of the stream.
type FeedStatus struct {
	State     FeedState `json:"state"`
	Attempt   int       `json:"attempt"`
	LatencyMs *float64  `json:"latencyMs,omitempty"`
	Pairs     []string  `json:"pairs"`
}

// TradingHealth is the watchdog's verdict on whether trade decisions may be
// issued.
type TradingHealth struct {
	Paused         bool       `json:"paused"`
	Reasons        []string   `json:"reasons,omitempty"`
	TicksInWindow  int        `json:"ticksInWindow"`
	ErrorsInWindow int        `json:"errorsInWindow"`
	LastTickAt     *time.Time `json:"lastTickAt,omitempty"`
	GasUSD         float64    `json:"gasUsd"`
}
