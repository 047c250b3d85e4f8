package coordinator

import (
	"fmt"

	"vanilla-trader/internal/broker"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/tradelog"
	"vanilla-trader/internal/types"
)

// snapshot is a fetched price record with the name already resolved through
// the cache.
type snapshot struct {
	Name       string
	Price      int64
	ChangeRate float64
	Volume     int64
}

// fetchSnapshot pulls a quote and maintains the symbol-name cache. Returns
// nil when the quote is unavailable or carries no positive price; callers
// skip the symbol rather than acting on bad data.
func (c *Coordinator) fetchSnapshot(symbol string) *snapshot {
	ctx, cancel := c.restCtx()
	q, err := c.broker.GetQuote(ctx, symbol)
	cancel()
	if err != nil {
		logger.Debug(c.ctx, "quote fetch failed", "symbol", symbol, "error", err)
		return nil
	}
	if q.Price <= 0 {
		return nil
	}

	name := c.names[symbol]
	if name == "" && q.Name != "" {
		name = q.Name
		c.names[symbol] = name
	}
	if name == "" {
		name = symbol
	}

	return &snapshot{Name: name, Price: q.Price, ChangeRate: q.ChangeRate, Volume: q.Volume}
}

// onStreamEvent dispatches a typed frame from the stream client. Runs on the
// actor loop.
func (c *Coordinator) onStreamEvent(ev types.StreamEvent) {
	switch ev.Kind {
	case types.StreamLoginResult:
		if !ev.Success {
			c.emitLog("error", "stream login rejected, realtime feed stopped", "")
		}

	case types.StreamConditionList:
		conds := parseStreamConditionList(ev.Raw)
		if len(conds) > 0 {
			c.emit(types.Event{Kind: types.EventConditionList, Conditions: conds})
		}

	case types.StreamConditionHit:
		c.handleConditionSignal(ev.Symbol)

	case types.StreamExecution:
		exec, ok := broker.ParseExecution(ev.Raw)
		if !ok {
			logger.Warn(c.ctx, "execution frame missing required fields, skipping")
			return
		}
		c.onExecution(exec)

	case types.StreamUnclassified:
		logger.Debug(c.ctx, "unclassified frame from stream")
	}
}

// parseStreamConditionList handles the websocket fallback reply, which nests
// the list under either "data" or "output1" depending on upstream version.
func parseStreamConditionList(raw map[string]any) []types.ConditionChannel {
	if conds := broker.ParseConditionList(raw["data"]); len(conds) > 0 {
		return conds
	}
	return broker.ParseConditionList(raw["output1"])
}

// handleConditionSignal is the intake for a condition hit. The signal is
// recorded and surfaced regardless of whether trading is armed; the buy gate
// comes after.
func (c *Coordinator) handleConditionSignal(symbol string) {
	if symbol == "" {
		return
	}
	if _, rej := c.rejected[symbol]; rej {
		return
	}
	if !c.canReenterToday(symbol) {
		return
	}

	snap := c.fetchSnapshot(symbol)
	if snap == nil {
		return
	}

	metrics.SignalsTotal.Inc()
	logger.Signal(c.ctx, symbol, snap.Name, snap.Price, snap.ChangeRate, "volume", snap.Volume)

	now := c.now()
	c.emit(types.Event{Kind: types.EventSignalDetected, Signal: &types.SignalUpdate{
		Time:       now.In(tradelog.KST).Format("15:04:05"),
		Symbol:     symbol,
		Name:       snap.Name,
		Price:      snap.Price,
		ChangeRate: snap.ChangeRate,
		Volume:     snap.Volume,
		New:        true,
	}})

	if sig, ok := c.pending[symbol]; ok {
		sig.Name = snap.Name
		sig.Price = snap.Price
		sig.ChangeRate = snap.ChangeRate
		sig.Volume = snap.Volume
		sig.UpdatedAt = now
	} else {
		c.pending[symbol] = &types.PendingSignal{
			Symbol:     symbol,
			Name:       snap.Name,
			Price:      snap.Price,
			ChangeRate: snap.ChangeRate,
			Volume:     snap.Volume,
			FirstSeen:  now,
			UpdatedAt:  now,
		}
	}
	metrics.PendingSignals.Set(float64(len(c.pending)))

	if !c.trading || !c.inWindow(now) {
		return
	}
	if len(c.positions) >= c.cfg.Trading.MaxPositions {
		return
	}
	if _, held := c.positions[symbol]; held {
		return
	}

	c.autoBuy(symbol, snap)
}

// refreshSignals runs on the refresh tick: expire stale entries, then walk
// the table updating each row from a fresh quote. A row that refreshed
// successfully has its clock reset, so signals only age out when the feed for
// them goes quiet.
func (c *Coordinator) refreshSignals() {
	if len(c.pending) == 0 {
		return
	}

	now := c.now()
	for sym, sig := range c.pending {
		if now.Sub(sig.UpdatedAt) > c.retention {
			delete(c.pending, sym)
			c.emitLog("system", fmt.Sprintf("signal expired: %s", sym), sym)
		}
	}

	for sym, sig := range c.pending {
		snap := c.fetchSnapshot(sym)
		if snap == nil {
			continue
		}
		sig.Name = snap.Name
		sig.Price = snap.Price
		sig.ChangeRate = snap.ChangeRate
		sig.Volume = snap.Volume
		sig.UpdatedAt = c.now()

		c.emit(types.Event{Kind: types.EventSignalRealtime, Signal: &types.SignalUpdate{
			Time:       c.now().In(tradelog.KST).Format("15:04:05"),
			Symbol:     sym,
			Name:       snap.Name,
			Price:      snap.Price,
			ChangeRate: snap.ChangeRate,
			Volume:     snap.Volume,
		}})
	}
	metrics.PendingSignals.Set(float64(len(c.pending)))
}
