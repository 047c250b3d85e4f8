package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanilla-trader/internal/types"
)

func TestReconnectDelaySchedule(t *testing.T) {
	p := defaultReconnectPolicy
	s := reconnectState{}

	d1, s := p.next(s)
	assert.Equal(t, 2*time.Second, d1)
	d2, s := p.next(s)
	assert.Equal(t, 4*time.Second, d2)
	d3, s := p.next(s)
	assert.Equal(t, 8*time.Second, d3)

	// fourth failure in the cycle hits the cooldown and resets
	d4, s := p.next(s)
	assert.Equal(t, reconnectCooldown, d4)
	assert.Equal(t, 0, s.attempt)

	d5, _ := p.next(s)
	assert.Equal(t, 2*time.Second, d5)
}

func TestReconnectDelayCapped(t *testing.T) {
	s := reconnectState{attempt: 2, backoff: 10 * time.Minute}
	d, _ := defaultReconnectPolicy.next(s)
	assert.Equal(t, reconnectCap, d)
}

func TestReconnectBackoffResetsAfterSession(t *testing.T) {
	var mu sync.Mutex
	var dials []time.Time
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg map[string]any
		if conn.ReadJSON(&msg) == nil && msg["trnm"] == "LOGIN" {
			conn.WriteJSON(map[string]any{"trnm": "LOGIN", "return_code": "0"})
		}
		conn.Close()
	}))
	defer srv.Close()

	sc := NewStreamClient("ws"+strings.TrimPrefix(srv.URL, "http"), func() string { return "tok" })
	base := 250 * time.Millisecond
	sc.policy = reconnectPolicy{base: base, max: time.Second, cooldown: 5 * time.Second, cycle: 3}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dials) >= 4
	}, 5*time.Second, 20*time.Millisecond)
	sc.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	// every session came up, so each drop waits only the base delay again;
	// without the reset the gaps would escalate 250ms, 500ms, 1s
	for i := 1; i < 4; i++ {
		gap := dials[i].Sub(dials[i-1])
		assert.GreaterOrEqual(t, gap, base, "gap %d", i)
		assert.Less(t, gap, 2*base, "gap %d", i)
	}
}

func TestEmitBlocksForExecutionFrames(t *testing.T) {
	sc := NewStreamClient("ws://unused", func() string { return "" })
	ctx := context.Background()

	for i := 0; i < eventBufferSize; i++ {
		sc.emit(ctx, types.StreamEvent{Kind: types.StreamConditionHit, Symbol: "005930"})
	}
	// condition hits are droppable once the buffer is full
	sc.emit(ctx, types.StreamEvent{Kind: types.StreamConditionHit, Symbol: "000660"})

	delivered := make(chan struct{})
	go func() {
		sc.emit(ctx, types.StreamEvent{Kind: types.StreamExecution, Raw: map[string]any{"type": "00"}})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("execution frame was not held back by the full buffer")
	case <-time.After(50 * time.Millisecond):
	}

	<-sc.events
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("execution frame not delivered after a slot opened")
	}

	var last types.StreamEvent
drain:
	for {
		select {
		case ev := <-sc.events:
			last = ev
		default:
			break drain
		}
	}
	assert.Equal(t, types.StreamExecution, last.Kind)
}

// wsHarness runs a websocket endpoint that answers LOGIN and then replays the
// scripted frames. Frames the client sends are recorded.
type wsHarness struct {
	srv    *httptest.Server
	script []map[string]any

	mu       sync.Mutex
	received []map[string]any
}

func newWSHarness(t *testing.T, loginCode string, script ...map[string]any) *wsHarness {
	t.Helper()
	h := &wsHarness{script: script}
	up := websocket.Upgrader{}

	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// collect client frames in the background
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				h.mu.Lock()
				h.received = append(h.received, msg)
				h.mu.Unlock()
				if msg["trnm"] == "LOGIN" {
					conn.WriteJSON(map[string]any{"trnm": "LOGIN", "return_code": loginCode})
					for _, frame := range h.script {
						conn.WriteJSON(frame)
					}
				}
			}
		}()
		<-done
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *wsHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *wsHarness) sent() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, len(h.received))
	copy(out, h.received)
	return out
}

func collect(t *testing.T, ch <-chan types.StreamEvent, n int) []types.StreamEvent {
	t.Helper()
	var out []types.StreamEvent
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestStreamLoginAndClassification(t *testing.T) {
	h := newWSHarness(t, "0",
		map[string]any{"trnm": "PING"},
		map[string]any{"trnm": "CNSR", "type": "ADD", "stk_cd": "A005930"},
		map[string]any{"trnm": "CNSR", "type": "DEL", "stk_cd": "000660"},
		map[string]any{"type": "00", "stk_cd": "005930", "exec_price": "75000", "exec_qty": "1", "buy_sell_tp": "1"},
		map[string]any{"trnm": "WHATEVER"},
	)

	sc := NewStreamClient(h.wsURL(), func() string { return "tok" })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)

	// login result, one condition hit (DEL dropped), execution, unclassified
	evs := collect(t, sc.Events(), 4)
	assert.Equal(t, types.StreamLoginResult, evs[0].Kind)
	assert.True(t, evs[0].Success)

	assert.Equal(t, types.StreamConditionHit, evs[1].Kind)
	assert.Equal(t, "005930", evs[1].Symbol)

	assert.Equal(t, types.StreamExecution, evs[2].Kind)
	assert.Equal(t, types.StreamUnclassified, evs[3].Kind)

	// the ping must have been echoed back
	require.Eventually(t, func() bool {
		for _, m := range h.sent() {
			if m["trnm"] == "PING" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, sc.Authenticated())
	sc.Disconnect()
}

func TestStreamLoginRejectionIsTerminal(t *testing.T) {
	h := newWSHarness(t, "8005")

	sc := NewStreamClient(h.wsURL(), func() string { return "bad" })
	done := make(chan error, 1)
	go func() { done <- sc.Run(context.Background()) }()

	evs := collect(t, sc.Events(), 1)
	assert.Equal(t, types.StreamLoginResult, evs[0].Kind)
	assert.False(t, evs[0].Success)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not stop after rejected login")
	}
	assert.False(t, sc.Authenticated())
}

func TestStreamSubscriptionReplayAfterLogin(t *testing.T) {
	h := newWSHarness(t, "0")

	sc := NewStreamClient(h.wsURL(), func() string { return "tok" })
	// registered before any connection exists
	sc.Subscribe("3")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)

	collect(t, sc.Events(), 1) // login result

	require.Eventually(t, func() bool {
		for _, m := range h.sent() {
			if m["trnm"] == "CNSRREQ" && m["seq"] == "3" {
				return m["search_type"] == "1" && m["stex_tp"] == "K"
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	sc.Disconnect()
}

func TestStreamUnsubscribeSendsClear(t *testing.T) {
	h := newWSHarness(t, "0")

	sc := NewStreamClient(h.wsURL(), func() string { return "tok" })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)
	collect(t, sc.Events(), 1)

	require.Eventually(t, func() bool { return sc.Authenticated() }, 2*time.Second, 10*time.Millisecond)

	sc.Subscribe("5")
	sc.Unsubscribe("5")

	require.Eventually(t, func() bool {
		for _, m := range h.sent() {
			if m["trnm"] == "CNSRCLR" && m["seq"] == "5" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	sc.Disconnect()
}

func TestStreamConditionSnapshotFansOut(t *testing.T) {
	h := newWSHarness(t, "0",
		map[string]any{"trnm": "CNSRREQ", "data": []any{
			map[string]any{"jmcode": "A005930"},
			map[string]any{"stk_cd": "000660"},
		}},
	)

	sc := NewStreamClient(h.wsURL(), func() string { return "tok" })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sc.Run(ctx)

	evs := collect(t, sc.Events(), 3)
	assert.Equal(t, types.StreamLoginResult, evs[0].Kind)
	assert.Equal(t, "005930", evs[1].Symbol)
	assert.Equal(t, "000660", evs[2].Symbol)

	sc.Disconnect()
}
