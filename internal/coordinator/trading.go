package coordinator

import (
	"fmt"

	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/tradelog"
	"vanilla-trader/internal/types"
)

// autoBuy submits a one-share market buy for a signaled symbol. The position
// is created immediately with the submission-time quote as an approximate
// entry price; the fill notification later overwrites it with the real one.
func (c *Coordinator) autoBuy(symbol string, snap *snapshot) {
	if symbol == "" {
		return
	}
	if snap == nil {
		if snap = c.fetchSnapshot(symbol); snap == nil {
			return
		}
	}

	if snap.Price > c.cfg.Trading.BuyAmount {
		c.emitLog("skip", fmt.Sprintf("%s price %d exceeds per-signal budget %d",
			snap.Name, snap.Price, c.cfg.Trading.BuyAmount), symbol)
		return
	}

	cash := c.getCash()
	if cash <= 0 {
		c.emitLog("skip", fmt.Sprintf("%s: no orderable cash", snap.Name), symbol)
		return
	}

	var qty int64 = 1
	orderAmount := snap.Price * qty
	if cash < orderAmount {
		c.emitLog("skip", fmt.Sprintf("%s: cash %d below order amount %d",
			snap.Name, cash, orderAmount), symbol)
		return
	}

	res := c.broker.SubmitMarketOrder(c.ctx, types.SideBuy, symbol, qty)
	if !res.Success {
		metrics.OrdersTotal.WithLabelValues("buy", "rejected").Inc()
		c.emitLog("error", fmt.Sprintf("%s buy order failed: %s %s",
			snap.Name, res.Code, res.Message), symbol)
		return
	}
	metrics.OrdersTotal.WithLabelValues("buy", "accepted").Inc()

	c.emitLog("buy", fmt.Sprintf("%s(%s) market buy accepted, qty %d", snap.Name, symbol, qty), symbol)

	c.positions[symbol] = &types.Position{
		Symbol:     symbol,
		Name:       snap.Name,
		Qty:        qty,
		EntryPrice: snap.Price, // approximate until the fill confirms
		OpenedAt:   c.now(),
	}
	c.addCash(-orderAmount)
	c.emitAccount()

	if c.tlog != nil {
		c.tlog.Append(tradelog.Entry{
			Event:    "order_accepted",
			Symbol:   symbol,
			Name:     snap.Name,
			Side:     string(types.SideBuy),
			Qty:      qty,
			Price:    snap.Price,
			Approx:   true,
			OrderRef: res.OrderRef,
			OrderID:  res.OrderID,
		})
	}
}

// checkPositions runs on the poll tick: fetch each held symbol's quote, emit
// a realtime row for it, and exit the position when the profit rate crosses
// either threshold. Both boundaries are inclusive.
func (c *Coordinator) checkPositions() {
	if !c.trading || len(c.positions) == 0 {
		return
	}
	if !c.inWindow(c.now()) {
		return
	}

	for sym, pos := range c.positions {
		snap := c.fetchSnapshot(sym)
		if snap == nil {
			continue
		}

		c.emit(types.Event{Kind: types.EventSignalRealtime, Signal: &types.SignalUpdate{
			Time:       c.now().In(tradelog.KST).Format("15:04:05"),
			Symbol:     sym,
			Name:       snap.Name,
			Price:      snap.Price,
			ChangeRate: snap.ChangeRate,
			Volume:     snap.Volume,
		}})

		if pos.Qty <= 0 || pos.EntryPrice <= 0 {
			continue
		}

		profitRate := float64(snap.Price-pos.EntryPrice) / float64(pos.EntryPrice) * 100

		if profitRate >= c.profitCut {
			c.emitLog("sell", fmt.Sprintf("%s hit TP %.1f%% (rate %.2f%%), selling all",
				sym, c.profitCut, profitRate), sym)
			c.autoSell(sym, pos.Qty, snap.Price, "take_profit")
			continue
		}
		if profitRate <= c.stopLoss {
			c.emitLog("sell", fmt.Sprintf("%s hit SL %.1f%% (rate %.2f%%), selling all",
				sym, c.stopLoss, profitRate), sym)
			c.autoSell(sym, pos.Qty, snap.Price, "stop_loss")
		}
	}
}

// autoSell submits a market sell for the whole position. On acceptance the
// position is dropped, cash is credited at the current quote, and the symbol
// is blocked from re-entry for the rest of the trading day.
func (c *Coordinator) autoSell(symbol string, qty, currentPrice int64, reason string) {
	if symbol == "" || qty <= 0 {
		return
	}

	res := c.broker.SubmitMarketOrder(c.ctx, types.SideSell, symbol, qty)
	if !res.Success {
		metrics.OrdersTotal.WithLabelValues("sell", "rejected").Inc()
		c.emitLog("error", fmt.Sprintf("%s sell order failed: %s %s",
			symbol, res.Code, res.Message), symbol)
		return
	}
	metrics.OrdersTotal.WithLabelValues("sell", "accepted").Inc()

	name := c.displayName(symbol)
	c.emitLog("sell", fmt.Sprintf("%s(%s) market sell accepted, qty %d", name, symbol, qty), symbol)

	delete(c.positions, symbol)
	c.addCash(currentPrice * qty)
	c.emitAccount()
	c.blockReentryToday(symbol)

	if c.tlog != nil {
		c.tlog.Append(tradelog.Entry{
			Event:    "order_accepted",
			Symbol:   symbol,
			Name:     name,
			Side:     string(types.SideSell),
			Qty:      qty,
			Price:    currentPrice,
			Approx:   true,
			Reason:   reason,
			OrderRef: res.OrderRef,
			OrderID:  res.OrderID,
		})
	}
}
