package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/types"
)

const (
	heartbeatInterval  = 10 * time.Second
	authWaitTimeout    = 5 * time.Second
	subscribeSpacing   = 50 * time.Millisecond
	reconnectBase      = 2 * time.Second
	reconnectCap       = 60 * time.Second
	reconnectCooldown  = 60 * time.Second
	reconnectCycleSize = 3
	eventBufferSize    = 256
)

// reconnectState tracks position within the backoff cycle: a few doubling
// waits, then a long cooldown before the counters reset. The loop itself
// never gives up; a dropped feed mid-session must come back on its own.
// A successful connection also clears the state, so isolated drops hours
// apart each wait only the base delay.
type reconnectState struct {
	attempt int
	backoff time.Duration
}

// reconnectPolicy holds the backoff timing knobs.
type reconnectPolicy struct {
	base     time.Duration
	max      time.Duration
	cooldown time.Duration
	cycle    int
}

var defaultReconnectPolicy = reconnectPolicy{
	base:     reconnectBase,
	max:      reconnectCap,
	cooldown: reconnectCooldown,
	cycle:    reconnectCycleSize,
}

// next returns how long to wait before the next dial and the advanced state.
func (p reconnectPolicy) next(s reconnectState) (time.Duration, reconnectState) {
	if s.backoff <= 0 {
		s.backoff = p.base
	}
	if s.attempt >= p.cycle {
		return p.cooldown, reconnectState{}
	}
	delay := s.backoff
	if delay > p.max {
		delay = p.max
	}
	s.attempt++
	s.backoff *= 2
	return delay, s
}

// StreamClient maintains the realtime websocket session: login, ping echo,
// condition subscriptions with replay after reconnect, and delivery of typed
// events to the coordinator.
type StreamClient struct {
	url   string
	token func() string

	events chan types.StreamEvent

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]struct{}

	// gorilla permits one concurrent writer; every outgoing frame goes
	// through sendJSON which holds writeMu.
	writeMu sync.Mutex

	running       atomic.Bool
	connected     atomic.Bool
	authenticated atomic.Bool
	lastMessageAt atomic.Int64

	dialer *websocket.Dialer
	policy reconnectPolicy
}

// NewStreamClient builds a stream client. token is consulted at each login so
// a refreshed REST token is always what goes on the wire.
func NewStreamClient(url string, token func() string) *StreamClient {
	return &StreamClient{
		url:    url,
		token:  token,
		events: make(chan types.StreamEvent, eventBufferSize),
		subs:   make(map[string]struct{}),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		policy: defaultReconnectPolicy,
	}
}

func (s *StreamClient) Events() <-chan types.StreamEvent { return s.events }
func (s *StreamClient) Connected() bool                  { return s.connected.Load() }
func (s *StreamClient) Authenticated() bool              { return s.authenticated.Load() }

// Run drives the connect/reconnect loop until ctx is cancelled, Disconnect is
// called, or the server rejects our login. A login rejection is terminal:
// retrying with the same bad token would just hammer the endpoint.
func (s *StreamClient) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx)

	state := reconnectState{}
	for s.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		established, err := s.connectAndListen(ctx)
		if !s.running.Load() || ctx.Err() != nil {
			break
		}
		if established {
			state = reconnectState{}
		}

		var delay time.Duration
		delay, state = s.policy.next(state)
		metrics.StreamReconnects.Inc()
		logger.Warn(ctx, "stream disconnected, reconnecting",
			"error", err, "delay", delay.String(), "attempt", state.attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// connectAndListen returns whether a connection was established, so the run
// loop can clear the backoff state after a session that actually came up.
func (s *StreamClient) connectAndListen(ctx context.Context) (bool, error) {
	logger.Info(ctx, "stream connecting", "url", s.url)
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)
	s.authenticated.Store(false)
	s.lastMessageAt.Store(time.Now().UnixNano())

	defer func() {
		s.connected.Store(false)
		s.authenticated.Store(false)
		metrics.StreamConnected.Set(0)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.sendJSON(map[string]any{"trnm": "LOGIN", "token": s.token()}); err != nil {
		return true, err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		s.lastMessageAt.Store(time.Now().UnixNano())

		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			logger.Warn(ctx, "stream frame not JSON, skipping", "size", len(raw))
			continue
		}
		s.handleMessage(ctx, data)
		if !s.running.Load() {
			return true, nil
		}
	}
}

func (s *StreamClient) handleMessage(ctx context.Context, data map[string]any) {
	trnm := toString(data["trnm"])
	msgType := toString(data["type"])

	switch trnm {
	case "LOGIN":
		ok := isSuccess(data["return_code"])
		if ok {
			logger.Info(ctx, "stream authenticated")
			s.authenticated.Store(true)
			metrics.StreamConnected.Set(1)
			go s.restoreSubscriptions(ctx)
		} else {
			logger.Error(ctx, "stream login rejected, stopping",
				"return_code", toString(data["return_code"]), "msg", toString(data["return_msg"]))
			s.authenticated.Store(false)
			s.running.Store(false)
		}
		s.emit(ctx, types.StreamEvent{Kind: types.StreamLoginResult, Success: ok, Raw: data})
		return

	case "PING":
		// the server expects its ping frame echoed verbatim
		if err := s.sendJSON(data); err != nil {
			logger.Warn(ctx, "ping echo failed", "error", err)
		}
		return

	case "CNSRLST":
		s.emit(ctx, types.StreamEvent{Kind: types.StreamConditionList, Success: isSuccess(data["return_code"]), Raw: data})
		return

	case "CNSRREQ":
		// snapshot on subscribe: a batch of symbols currently matching
		if rows, ok := data["data"].([]any); ok {
			for _, row := range rows {
				rec, ok := row.(map[string]any)
				if !ok {
					continue
				}
				sym := normalizeSymbol(firstString(rec, []string{"jmcode", "stk_cd", "stck_shrn_iscd"}))
				if sym != "" {
					s.emit(ctx, types.StreamEvent{Kind: types.StreamConditionHit, Symbol: sym, Success: true, Raw: rec})
				}
			}
		}
		return

	case "CNSR":
		// realtime single-symbol event; only entries into the condition
		// trigger trading, exits are ignored
		sym := normalizeSymbol(firstString(data, []string{"stck_shrn_iscd", "stk_cd", "jmcode"}))
		if sym != "" && msgType == "ADD" {
			s.emit(ctx, types.StreamEvent{Kind: types.StreamConditionHit, Symbol: sym, Success: true, Raw: data})
		}
		return

	case "CNSRCLR":
		return
	}

	if msgType == "00" {
		s.emit(ctx, types.StreamEvent{Kind: types.StreamExecution, Success: true, Raw: data})
		return
	}

	// fail open: unknown frames still reach the coordinator for logging
	logger.Debug(ctx, "unclassified stream frame", "trnm", trnm, "type", msgType)
	s.emit(ctx, types.StreamEvent{Kind: types.StreamUnclassified, Raw: data})
}

// emit hands a frame to the coordinator. Condition hits and other chatter are
// dropped when the buffer is full; a stalled coordinator will see fresh hits
// soon enough. Execution frames must never be lost, so those block the read
// loop until a slot opens or the session is torn down.
func (s *StreamClient) emit(ctx context.Context, ev types.StreamEvent) {
	if ev.Kind == types.StreamExecution {
		select {
		case s.events <- ev:
		case <-ctx.Done():
		}
		return
	}
	select {
	case s.events <- ev:
	default:
		logger.Warn(ctx, "stream event buffer full, dropping", "kind", string(ev.Kind))
	}
}

func (s *StreamClient) sendJSON(msg map[string]any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotAuthenticated
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// restoreSubscriptions replays the subscription set after login, spaced out
// so the server does not throttle the burst.
func (s *StreamClient) restoreSubscriptions(ctx context.Context) {
	deadline := time.Now().Add(authWaitTimeout)
	for !s.authenticated.Load() {
		if time.Now().After(deadline) {
			logger.Warn(ctx, "auth wait timed out, skipping subscription replay")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	seqs := make([]string, 0, len(s.subs))
	for seq := range s.subs {
		seqs = append(seqs, seq)
	}
	s.mu.Unlock()

	for _, seq := range seqs {
		logger.Info(ctx, "replaying condition subscription", "seq", seq)
		s.sendSubscribe(seq)
		time.Sleep(subscribeSpacing)
	}
}

// Subscribe registers a condition sequence for realtime hits. Before login
// the registration is only recorded; replay after authentication sends it.
func (s *StreamClient) Subscribe(seq string) {
	s.mu.Lock()
	s.subs[seq] = struct{}{}
	s.mu.Unlock()

	if s.authenticated.Load() {
		s.sendSubscribe(seq)
	}
}

func (s *StreamClient) sendSubscribe(seq string) {
	err := s.sendJSON(map[string]any{
		"trnm":        "CNSRREQ",
		"seq":         seq,
		"search_type": "1",
		"stex_tp":     "K",
	})
	if err != nil {
		logger.Warn(context.Background(), "condition subscribe failed", "seq", seq, "error", err)
	}
}

func (s *StreamClient) Unsubscribe(seq string) {
	s.mu.Lock()
	delete(s.subs, seq)
	s.mu.Unlock()

	if s.authenticated.Load() {
		if err := s.sendJSON(map[string]any{"trnm": "CNSRCLR", "seq": seq}); err != nil {
			logger.Warn(context.Background(), "condition unsubscribe failed", "seq", seq, "error", err)
		}
	}
}

// RequestConditionList asks the server for the screening-query list; the
// reply arrives as a CNSRLST event.
func (s *StreamClient) RequestConditionList() {
	if err := s.sendJSON(map[string]any{"trnm": "CNSRLST"}); err != nil {
		logger.Warn(context.Background(), "condition list request failed", "error", err)
	}
}

// heartbeatLoop reports session health on a fixed cadence whether or not the
// socket is up, so a silent feed is visible in the logs.
func (s *StreamClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			subCount := len(s.subs)
			s.mu.Unlock()
			gap := time.Duration(0)
			if ts := s.lastMessageAt.Load(); ts > 0 {
				gap = time.Since(time.Unix(0, ts))
			}
			logger.Debug(ctx, "stream heartbeat",
				"connected", s.connected.Load(),
				"authenticated", s.authenticated.Load(),
				"subscriptions", subCount,
				"since_last_message", gap.Round(100*time.Millisecond).String())
			if !s.connected.Load() {
				logger.Warn(ctx, "stream heartbeat: websocket is down")
			}
		}
	}
}

// Disconnect stops the run loop and closes the socket. Subscriptions are
// cleared; a later session starts from scratch.
func (s *StreamClient) Disconnect() {
	s.running.Store(false)
	s.connected.Store(false)
	s.authenticated.Store(false)

	s.mu.Lock()
	conn := s.conn
	s.subs = make(map[string]struct{})
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
