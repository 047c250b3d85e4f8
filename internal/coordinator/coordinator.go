// Package coordinator owns all trading state and decisions. A single
// goroutine runs the actor loop; stream events, timer ticks and external
// commands are all serialized through it, so positions, pending signals and
// the reject list need no locking. Cash is the one exception: the account
// refresh runs on worker goroutines, so cash carries its own mutex.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"vanilla-trader/internal/interfaces"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/store"
	"vanilla-trader/internal/tradelog"
	"vanilla-trader/internal/types"
)

const (
	commandBufferSize = 64
	eventBufferSize   = 256
	restCallTimeout   = 5 * time.Second
	connectWait       = 10 * time.Second
	fallbackCash      = 1_000_000
)

// Coordinator implements interfaces.Coordinator. All fields below the
// command channel are owned by the actor goroutine.
type Coordinator struct {
	broker interfaces.Broker
	stream interfaces.Stream
	cfg    *store.Config
	tlog   *tradelog.Logger

	commands chan func(*Coordinator)
	events   chan types.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	streamCancel context.CancelFunc

	// actor-owned state
	state        interfaces.CoordinatorState
	trading      bool
	condSeq      string
	strategyName string
	stopLoss     float64
	profitCut    float64

	positions map[string]*types.Position
	pending   map[string]*types.PendingSignal
	rejected  map[string]struct{}
	reentry   map[string]string // symbol -> date of last sell, YYYYMMDD
	names     map[string]string

	startMinute int
	endMinute   int
	retention   time.Duration

	sellReconciler SellReconciler

	// cash is written by the init and start-trading workers as well as the
	// actor, so it keeps its own lock.
	cashMu sync.Mutex
	cash   int64

	now func() time.Time
}

var _ interfaces.Coordinator = (*Coordinator)(nil)

func New(cfg *store.Config, broker interfaces.Broker, stream interfaces.Stream, tlog *tradelog.Logger) (*Coordinator, error) {
	startMin, err := store.ParseClock(cfg.Trading.StartTime)
	if err != nil {
		return nil, err
	}
	endMin, err := store.ParseClock(cfg.Trading.EndTime)
	if err != nil {
		return nil, err
	}
	strat, ok := cfg.Strategy(cfg.Trading.ActiveStrategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", cfg.Trading.ActiveStrategy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		broker:       broker,
		stream:       stream,
		cfg:          cfg,
		tlog:         tlog,
		commands:     make(chan func(*Coordinator), commandBufferSize),
		events:       make(chan types.Event, eventBufferSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        interfaces.StateIdle,
		condSeq:      cfg.Trading.ConditionSeq,
		strategyName: strat.Name,
		stopLoss:     strat.StopLossRate,
		profitCut:    strat.ProfitCutRate,
		positions:    make(map[string]*types.Position),
		pending:      make(map[string]*types.PendingSignal),
		rejected:     make(map[string]struct{}),
		reentry:      make(map[string]string),
		names:        make(map[string]string),
		startMinute:  startMin,
		endMinute:    endMin,
		retention:    time.Duration(cfg.Trading.SignalRetentionMinutes) * time.Minute,
		now:          time.Now,
	}
	go c.run()
	return c, nil
}

// run is the actor loop. Everything that touches coordinator state happens
// here, either directly or as a posted command.
func (c *Coordinator) run() {
	defer close(c.done)

	poll := time.NewTicker(time.Duration(c.cfg.Trading.PollSeconds) * time.Second)
	defer poll.Stop()
	refresh := time.NewTicker(time.Duration(c.cfg.Trading.PollSeconds) * time.Second)
	defer refresh.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commands:
			cmd(c)
		case ev, ok := <-c.stream.Events():
			if !ok {
				return
			}
			c.onStreamEvent(ev)
		case <-poll.C:
			c.checkPositions()
		case <-refresh.C:
			c.refreshSignals()
		}
	}
}

// post hands a closure to the actor loop. Safe to call from any goroutine.
func (c *Coordinator) post(cmd func(*Coordinator)) {
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
	}
}

// ask runs fn on the actor loop and waits for it.
func ask[T any](c *Coordinator, fn func(*Coordinator) T) T {
	reply := make(chan T, 1)
	c.post(func(c *Coordinator) { reply <- fn(c) })
	select {
	case v := <-reply:
		return v
	case <-c.ctx.Done():
		var zero T
		return zero
	}
}

func (c *Coordinator) Events() <-chan types.Event { return c.events }

// emit delivers a UI event without ever blocking the actor.
func (c *Coordinator) emit(ev types.Event) {
	ev.At = c.now()
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Coordinator) emitLog(action, details, symbol string) {
	c.emit(types.Event{Kind: types.EventLog, Log: &types.LogEntry{
		Time:    c.now().In(tradelog.KST).Format("15:04:05"),
		Action:  action,
		Details: details,
		Symbol:  symbol,
	}})
}

func (c *Coordinator) emitAccount() {
	cash := c.getCash()
	metrics.Cash.Set(float64(cash))
	metrics.OpenPositions.Set(float64(len(c.positions)))
	c.emit(types.Event{Kind: types.EventAccountUpdate, Account: &types.AccountUpdate{
		Cash:          cash,
		PositionCount: len(c.positions),
	}})
}

func (c *Coordinator) getCash() int64 {
	c.cashMu.Lock()
	defer c.cashMu.Unlock()
	return c.cash
}

func (c *Coordinator) setCash(v int64) {
	c.cashMu.Lock()
	if v < 0 {
		v = 0
	}
	c.cash = v
	c.cashMu.Unlock()
}

// addCash applies a signed delta, flooring at zero. The balance here is
// optimistic bookkeeping between account refreshes, never the broker's truth.
func (c *Coordinator) addCash(delta int64) {
	c.cashMu.Lock()
	c.cash += delta
	if c.cash < 0 {
		c.cash = 0
	}
	c.cashMu.Unlock()
}

// inWindow reports whether t falls inside the configured trading window,
// boundaries included. Exchange time is KST.
func (c *Coordinator) inWindow(t time.Time) bool {
	kst := t.In(tradelog.KST)
	m := kst.Hour()*60 + kst.Minute()
	return m >= c.startMinute && m <= c.endMinute
}

func (c *Coordinator) today() string {
	return c.now().In(tradelog.KST).Format("20060102")
}

func (c *Coordinator) blockReentryToday(symbol string) {
	c.reentry[symbol] = c.today()
}

// canReenterToday is false only when the symbol was sold earlier the same
// trading day. Yesterday's sells do not block.
func (c *Coordinator) canReenterToday(symbol string) bool {
	last, ok := c.reentry[symbol]
	return !ok || last != c.today()
}

func (c *Coordinator) restCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, restCallTimeout)
}

// displayName resolves a symbol through the name cache, falling back to the
// code itself.
func (c *Coordinator) displayName(symbol string) string {
	if n, ok := c.names[symbol]; ok && n != "" {
		return n
	}
	return symbol
}

// --- command surface -------------------------------------------------------

// Initialize starts the background bring-up: login, stream connect, condition
// list, account snapshot, then condition subscription. Repeat calls while a
// bring-up is running are ignored.
func (c *Coordinator) Initialize() {
	c.post(func(c *Coordinator) {
		if c.state == interfaces.StateInitializing {
			c.emitLog("system", "initialization already in progress, ignoring", "")
			return
		}
		c.state = interfaces.StateInitializing
		go c.runInitialization()
	})
}

func (c *Coordinator) runInitialization() {
	fail := func(msg string, err error) {
		logger.ErrorWithErr(c.ctx, msg, err)
		c.post(func(c *Coordinator) {
			c.state = interfaces.StateIdle
			c.emitLog("error", fmt.Sprintf("%s: %v", msg, err), "")
		})
	}

	if c.broker.Token() == "" {
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		err := c.broker.Login(ctx)
		cancel()
		if err != nil {
			fail("initialization failed: login", err)
			return
		}
	}

	streamCtx, streamCancel := context.WithCancel(c.ctx)
	c.post(func(c *Coordinator) { c.streamCancel = streamCancel })
	go func() {
		if err := c.stream.Run(streamCtx); err != nil && streamCtx.Err() == nil {
			logger.ErrorWithErr(c.ctx, "stream run loop exited", err)
		}
	}()

	deadline := time.Now().Add(connectWait)
	for !c.stream.Connected() {
		if time.Now().After(deadline) {
			fail("initialization failed: stream connect", context.DeadlineExceeded)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	// REST condition list first, websocket request as fallback
	ctx, cancel := c.restCtx()
	conds, err := c.broker.GetConditionList(ctx)
	cancel()
	if err == nil && len(conds) > 0 {
		c.post(func(c *Coordinator) {
			c.emit(types.Event{Kind: types.EventConditionList, Conditions: conds})
		})
	} else {
		logger.Warn(c.ctx, "REST condition list unavailable, requesting over stream", "error", err)
		c.stream.RequestConditionList()
	}

	c.updateAccountInfo()

	c.post(func(c *Coordinator) {
		c.stream.Subscribe(c.condSeq)
		c.state = interfaces.StateReady
		c.emitLog("system", fmt.Sprintf("initialization complete, condition %s subscribed", c.condSeq), "")
	})
}

// updateAccountInfo refreshes cash and warms the symbol-name cache from the
// balance rows. On failure the balance falls back to a nominal figure so the
// trading loop stays operable against flaky mock servers.
func (c *Coordinator) updateAccountInfo() {
	ctx, cancel := c.restCtx()
	bal, err := c.broker.GetBalance(ctx)
	cancel()
	if err != nil {
		logger.Warn(c.ctx, "balance refresh failed, using fallback", "error", err)
		c.setCash(fallbackCash)
		c.post(func(c *Coordinator) { c.emitAccount() })
		return
	}

	c.setCash(bal.Cash)
	c.post(func(c *Coordinator) {
		for _, h := range bal.Holdings {
			if h.Name != "" {
				c.names[h.Symbol] = strings.TrimSpace(h.Name)
			}
		}
		c.emitLog("system", fmt.Sprintf("orderable cash updated: %d", bal.Cash), "")
		c.emitAccount()
	})
}

// StartTrading arms the auto-trading loop and immediately sweeps the pending
// signal table so hits that arrived while disarmed get acted on.
func (c *Coordinator) StartTrading() {
	c.post(func(c *Coordinator) {
		if c.broker.Token() == "" {
			c.trading = false
			c.emitLog("error", "cannot start trading: not logged in", "")
			return
		}
		if c.trading {
			return
		}
		c.trading = true
		go c.updateAccountInfo()

		c.emitLog("system", fmt.Sprintf(
			"auto trading started: condition=%s qty_per_signal=1 max_positions=%d TP=%.1f%% SL=%.1f%%",
			c.condSeq, c.cfg.Trading.MaxPositions, c.profitCut, c.stopLoss), "")

		for sym, sig := range c.pending {
			if _, held := c.positions[sym]; held {
				continue
			}
			if _, rej := c.rejected[sym]; rej {
				continue
			}
			if !c.canReenterToday(sym) {
				continue
			}
			if len(c.positions) >= c.cfg.Trading.MaxPositions {
				break
			}
			c.autoBuy(sym, &snapshot{
				Name:       sig.Name,
				Price:      sig.Price,
				ChangeRate: sig.ChangeRate,
				Volume:     sig.Volume,
			})
		}
	})
}

func (c *Coordinator) StopTrading() {
	c.post(func(c *Coordinator) {
		c.trading = false
		c.emitLog("system", "auto trading stopped", "")
	})
}

// ChangeCondition swaps the live condition subscription. No acknowledgement
// is waited for; the next hits simply arrive from the new sequence.
func (c *Coordinator) ChangeCondition(seq string) {
	seq = strings.TrimSpace(seq)
	if seq == "" {
		return
	}
	c.post(func(c *Coordinator) {
		old := c.condSeq
		c.condSeq = seq
		if old != "" && old != seq {
			c.stream.Unsubscribe(old)
		}
		c.stream.Subscribe(seq)
		c.emitLog("system", fmt.Sprintf("condition changed: %s -> %s", old, seq), "")
	})
}

// RejectSymbol toggles a symbol's membership in the reject list.
func (c *Coordinator) RejectSymbol(symbol string) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return
	}
	c.post(func(c *Coordinator) {
		if _, ok := c.rejected[symbol]; ok {
			delete(c.rejected, symbol)
			c.emitLog("system", fmt.Sprintf("%s removed from reject list", symbol), symbol)
		} else {
			c.rejected[symbol] = struct{}{}
			c.emitLog("system", fmt.Sprintf("%s excluded from buying today", symbol), symbol)
		}
	})
}

// ClearRejected empties the reject list and returns how many entries it had.
func (c *Coordinator) ClearRejected() int {
	return ask(c, func(c *Coordinator) int {
		n := len(c.rejected)
		c.rejected = make(map[string]struct{})
		if n > 0 {
			c.emitLog("system", fmt.Sprintf("reject list cleared (%d entries)", n), "")
		}
		return n
	})
}

// SetStrategy switches the active TP/SL parameters to a named strategy from
// the configuration. Open positions are re-evaluated against the new rates on
// the next poll.
func (c *Coordinator) SetStrategy(name string) error {
	strat, ok := c.cfg.Strategy(name)
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	c.post(func(c *Coordinator) {
		c.strategyName = strat.Name
		c.stopLoss = strat.StopLossRate
		c.profitCut = strat.ProfitCutRate
		c.emitLog("system", fmt.Sprintf("strategy set to %s (TP=%.1f%% SL=%.1f%%)",
			strat.Name, strat.ProfitCutRate, strat.StopLossRate), "")
	})
	return nil
}

func (c *Coordinator) Status() interfaces.StatusSnapshot {
	return ask(c, func(c *Coordinator) interfaces.StatusSnapshot {
		return interfaces.StatusSnapshot{
			State:         c.state,
			Trading:       c.trading,
			Cash:          c.getCash(),
			PositionCount: len(c.positions),
			PendingCount:  len(c.pending),
			RejectedCount: len(c.rejected),
			ConditionSeq:  c.condSeq,
			Strategy:      c.strategyName,
			StopLossRate:  c.stopLoss,
			ProfitCutRate: c.profitCut,
		}
	})
}

func (c *Coordinator) Positions() []types.Position {
	return ask(c, func(c *Coordinator) []types.Position {
		out := make([]types.Position, 0, len(c.positions))
		for _, p := range c.positions {
			out = append(out, *p)
		}
		return out
	})
}

func (c *Coordinator) PendingSignals() []types.PendingSignal {
	return ask(c, func(c *Coordinator) []types.PendingSignal {
		out := make([]types.PendingSignal, 0, len(c.pending))
		for _, s := range c.pending {
			out = append(out, *s)
		}
		return out
	})
}

// Shutdown stops trading, tears down the stream session and terminates the
// actor loop. Blocks until the loop has exited.
func (c *Coordinator) Shutdown() {
	c.post(func(c *Coordinator) {
		c.trading = false
		if c.streamCancel != nil {
			c.streamCancel()
		}
	})
	c.stream.Disconnect()
	c.cancel()
	<-c.done
	if c.tlog != nil {
		c.tlog.Close()
	}
}
