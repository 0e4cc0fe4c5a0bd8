// Package feed maintains the single persistent quote stream: heartbeat and
// latency tracking, bounded reconnects, and ordered fan-out of inbound events
// to per-subscriber channels.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/retry"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// handshakeTimeout bounds a single dial.
	handshakeTimeout = 15 * time.Second

	// subscriberBuffer is the per-subscriber channel capacity.
	subscriberBuffer = 256
)

// Config holds stream parameters.
type Config struct {
	URL   string
	Pairs []string
	// HeartbeatInterval is the ping period. Zero means 5s. The connection
	// is considered lost after three intervals without any inbound message.
	HeartbeatInterval time.Duration
	// ReconnectBase scales the reconnect backoff: base * 2^(attempt-1).
	ReconnectBase time.Duration
	// MaxReconnectAttempts is the number of reconnects tried before the
	// stream gives up. Zero means 5.
	MaxReconnectAttempts int
}

// Hooks are optional observers. They are called outside the stream's lock
// and must not block.
type Hooks struct {
	OnStateChange func(from, to domain.FeedState, attempt int)
	OnLatency     func(ms float64)
	OnEvent       func(ev domain.FeedEvent)
}

// outbound is a client-to-server control message.
type outbound struct {
	Type      string `json:"type"`
	Channel   string `json:"channel,omitempty"`
	Pair      string `json:"pair,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// inbound is the envelope of every server message.
type inbound struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Stream is the persistent quote connection. Its state machine is
// Disconnected -> Connecting -> Connected -> Reconnecting(n) -> Connected,
// or Reconnecting -> GivenUp once the attempt budget is spent. GivenUp holds
// until an explicit Connect or Reconnect.
type Stream struct {
	cfg    Config
	hooks  Hooks
	logger *slog.Logger
	dialer websocket.Dialer
	policy retry.Policy
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below. It is never held across a network read
	// or a backoff wait.
	mu         sync.Mutex
	state      domain.FeedState
	attempt    int
	conn       *websocket.Conn
	gen        uint64
	pairs      []string
	subs       []*Subscription
	latencyMs  float64
	hasLatency bool
	closed     bool

	// writeMu serialises writes to conn.
	writeMu sync.Mutex
}

// NewStream creates a disconnected stream.
func NewStream(cfg Config, hooks Hooks, logger *slog.Logger) *Stream {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger.With(slog.String("component", "feed_stream")),
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		policy: retry.Reconnect(cfg.ReconnectBase, cfg.MaxReconnectAttempts),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, p := range cfg.Pairs {
		s.addPairLocked(normalizePair(p))
	}
	return s
}

// Connect dials the stream. It is a no-op while connected, connecting or
// reconnecting. From Disconnected or GivenUp it resets the attempt counter.
// When the initial dial fails the stream falls into its reconnect loop and
// the dial error is returned.
func (s *Stream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("feed: connect: %w", domain.ErrWSDisconnect)
	}
	switch s.state {
	case domain.FeedConnected, domain.FeedConnecting, domain.FeedReconnecting:
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.attempt = 0
	notify := s.setStateLocked(domain.FeedConnecting)
	s.mu.Unlock()
	notify()

	return s.dialAndAttach(ctx, gen)
}

// Reconnect drops any current connection and dials again immediately with
// the attempt counter reset. It is the only way out of GivenUp besides
// Connect.
func (s *Stream) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("feed: reconnect: %w", domain.ErrWSDisconnect)
	}
	s.gen++
	gen := s.gen
	old := s.conn
	s.conn = nil
	s.attempt = 0
	notify := s.setStateLocked(domain.FeedConnecting)
	s.mu.Unlock()
	notify()

	if old != nil {
		_ = old.Close()
	}
	return s.dialAndAttach(ctx, gen)
}

// Disconnect closes the connection and stops reconnecting. Subscriptions
// stay registered for the next Connect.
func (s *Stream) Disconnect() {
	s.mu.Lock()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.attempt = 0
	s.hasLatency = false
	notify := s.setStateLocked(domain.FeedDisconnected)
	s.mu.Unlock()
	notify()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(s.now().Add(writeWait))
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Close disconnects for good and closes every subscriber channel.
func (s *Stream) Close() {
	s.Disconnect()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.close()
	}
}

// Subscribe registers a subscriber for pair and, when connected, sends the
// upstream subscribe message. An empty pair receives every event. Events
// without a pair (blocks) reach every subscriber.
func (s *Stream) Subscribe(pair string) (*Subscription, error) {
	pair = normalizePair(pair)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("feed: subscribe %s: %w", pair, domain.ErrWSDisconnect)
	}
	if s.state == domain.FeedGivenUp {
		s.mu.Unlock()
		return nil, fmt.Errorf("feed: subscribe %s: %w", pair, domain.ErrFeedGivenUp)
	}
	sub := &Subscription{
		pair:   pair,
		ch:     make(chan domain.FeedEvent, subscriberBuffer),
		stream: s,
	}
	s.subs = append(s.subs, sub)
	isNew := pair != "" && s.addPairLocked(pair)
	conn := s.conn
	s.mu.Unlock()

	if isNew && conn != nil {
		if err := s.writeJSON(conn, subscribeMsg(pair)); err != nil {
			s.logger.Warn("send subscribe failed",
				slog.String("pair", pair),
				slog.String("error", err.Error()),
			)
		}
	}
	return sub, nil
}

// Status returns a point-in-time view of the stream.
func (s *Stream) Status() domain.FeedStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.FeedStatus{
		State:   s.state,
		Attempt: s.attempt,
		Pairs:   append([]string(nil), s.pairs...),
	}
	if s.hasLatency {
		v := s.latencyMs
		st.LatencyMs = &v
	}
	return st
}

// LatencyMs returns the last measured heartbeat round trip.
func (s *Stream) LatencyMs() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyMs, s.hasLatency
}

// --------------------------------------------------------------------------
// Connection lifecycle
// --------------------------------------------------------------------------

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// dialAndAttach performs the first dial of a Connect or Reconnect call.
func (s *Stream) dialAndAttach(ctx context.Context, gen uint64) error {
	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Warn("feed dial failed", slog.String("url", s.cfg.URL), slog.String("error", err.Error()))
		s.startReconnect(gen)
		return fmt.Errorf("feed: connect %s: %w", s.cfg.URL, err)
	}
	s.attach(conn, gen)
	return nil
}

// attach installs conn as the live connection when gen is still current,
// then starts its read and heartbeat loops and replays subscriptions.
func (s *Stream) attach(conn *websocket.Conn, gen uint64) bool {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.attempt = 0
	pairs := append([]string(nil), s.pairs...)
	notify := s.setStateLocked(domain.FeedConnected)
	s.mu.Unlock()
	notify()

	_ = conn.SetReadDeadline(s.now().Add(s.readTimeout()))
	go s.readLoop(conn, gen)
	go s.heartbeatLoop(conn, gen)

	for _, p := range pairs {
		if err := s.writeJSON(conn, subscribeMsg(p)); err != nil {
			s.logger.Warn("replay subscribe failed",
				slog.String("pair", p),
				slog.String("error", err.Error()),
			)
			break
		}
	}
	return true
}

// connLost moves a live connection into Reconnecting. Only the first caller
// for a generation wins; later calls (the other loop, a superseded
// connection) are ignored.
func (s *Stream) connLost(conn *websocket.Conn, gen uint64, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.closed || s.gen != gen || s.state != domain.FeedConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	next := s.gen
	s.conn = nil
	s.attempt = 0
	notify := s.setStateLocked(domain.FeedReconnecting)
	s.mu.Unlock()

	s.logger.Warn("feed connection lost", slog.String("error", cause.Error()))
	notify()
	go s.reconnectLoop(next)
}

// startReconnect enters Reconnecting and launches the reconnect loop for
// gen. At most one loop owns a generation.
func (s *Stream) startReconnect(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.attempt = 0
	notify := s.setStateLocked(domain.FeedReconnecting)
	s.mu.Unlock()
	notify()

	go s.reconnectLoop(gen)
}

func (s *Stream) reconnectLoop(gen uint64) {
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.attempt = attempt
		notify := s.setStateLocked(domain.FeedReconnecting)
		s.mu.Unlock()
		notify()

		if err := s.policy.Wait(s.ctx, attempt); err != nil {
			return
		}

		s.mu.Lock()
		current := !s.closed && s.gen == gen
		s.mu.Unlock()
		if !current {
			return
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, handshakeTimeout)
		conn, err := s.dial(dialCtx)
		cancel()
		if err != nil {
			s.logger.Warn("feed reconnect failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", s.cfg.MaxReconnectAttempts),
				slog.String("error", err.Error()),
			)
			continue
		}
		if s.attach(conn, gen) {
			s.logger.Info("feed reconnected", slog.Int("attempt", attempt))
		}
		return
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	notify := s.setStateLocked(domain.FeedGivenUp)
	s.mu.Unlock()
	s.logger.Error("feed reconnect attempts exhausted",
		slog.Int("max_attempts", s.cfg.MaxReconnectAttempts),
	)
	notify()
}

func (s *Stream) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.connLost(conn, gen, err)
			return
		}
		_ = conn.SetReadDeadline(s.now().Add(s.readTimeout()))
		s.handleMessage(message)
	}
}

func (s *Stream) heartbeatLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.gen == gen && s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}
			ping := outbound{Type: "ping", Timestamp: s.now().UnixMilli()}
			if err := s.writeJSON(conn, ping); err != nil {
				s.connLost(conn, gen, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Stream) readTimeout() time.Duration {
	return 3 * s.cfg.HeartbeatInterval
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

func (s *Stream) handleMessage(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("dropping unparseable feed message", slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case "pong":
		s.recordPong(msg.Timestamp)
	case domain.FeedEventQuote, domain.FeedEventTrade, domain.FeedEventBlock:
		ev := domain.FeedEvent{Type: msg.Type, Data: msg.Data, ReceivedAt: s.now().UTC()}
		s.dispatch(ev, eventPair(msg.Data))
		if s.hooks.OnEvent != nil {
			s.hooks.OnEvent(ev)
		}
	}
}

// recordPong stores the round trip for a pong echoing a ping timestamp in
// unix milliseconds.
func (s *Stream) recordPong(sentMs float64) {
	if sentMs <= 0 {
		return
	}
	rtt := float64(s.now().UnixMicro())/1000 - sentMs
	if rtt < 0 {
		return
	}
	s.mu.Lock()
	s.latencyMs = rtt
	s.hasLatency = true
	s.mu.Unlock()

	if s.hooks.OnLatency != nil {
		s.hooks.OnLatency(rtt)
	}
}

// dispatch delivers ev to matching subscribers in registration order.
func (s *Stream) dispatch(ev domain.FeedEvent, pair string) {
	s.mu.Lock()
	subs := append([]*Subscription(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.pair == "" || pair == "" || sub.pair == pair {
			sub.deliver(ev)
		}
	}
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(s.now().Add(writeWait))
	return conn.WriteJSON(v)
}

func (s *Stream) remove(sub *Subscription) {
	s.mu.Lock()
	for i, x := range s.subs {
		if x == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// setStateLocked records a transition and returns the notification to run
// once mu is released.
func (s *Stream) setStateLocked(to domain.FeedState) func() {
	from := s.state
	s.state = to
	attempt := s.attempt
	if from == to && to != domain.FeedReconnecting {
		return func() {}
	}
	return func() {
		s.logger.Info("feed state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("attempt", attempt),
		)
		if s.hooks.OnStateChange != nil {
			s.hooks.OnStateChange(from, to, attempt)
		}
	}
}

func (s *Stream) addPairLocked(pair string) bool {
	if pair == "" {
		return false
	}
	for _, p := range s.pairs {
		if p == pair {
			return false
		}
	}
	s.pairs = append(s.pairs, pair)
	return true
}

func subscribeMsg(pair string) outbound {
	return outbound{Type: "subscribe", Channel: "quotes", Pair: pair}
}

func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// eventPair extracts data.pair when present.
func eventPair(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var body struct {
		Pair string `json:"pair"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return normalizePair(body.Pair)
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription is one consumer's ordered event channel. Events that find
// the buffer full are dropped and counted rather than stalling the stream.
type Subscription struct {
	pair    string
	stream  *Stream
	dropped atomic.Int64

	mu     sync.Mutex
	ch     chan domain.FeedEvent
	closed bool
}

// Events returns the channel events are delivered on. It is closed by
// Close or when the stream closes.
func (sub *Subscription) Events() <-chan domain.FeedEvent { return sub.ch }

// Pair returns the subscribed pair, empty for all pairs.
func (sub *Subscription) Pair() string { return sub.pair }

// Dropped returns the number of events lost to a full buffer.
func (sub *Subscription) Dropped() int64 { return sub.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.stream.remove(sub)
	sub.close()
}

func (sub *Subscription) deliver(ev domain.FeedEvent) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped.Add(1)
	}
}

func (sub *Subscription) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
