package coordinator

import (
	"fmt"

	"vanilla-trader/internal/metrics"
	"vanilla-trader/internal/tradelog"
	"vanilla-trader/internal/types"
)

// SellReconciler receives confirmed sell fills. The default accounting books
// cash at the submission-time quote and lets the balance refresh square the
// difference; a stricter settlement policy plugs in here.
type SellReconciler func(exec types.Execution)

// OnSellExecution installs the sell-fill hook. Passing nil removes it.
func (c *Coordinator) OnSellExecution(fn SellReconciler) {
	c.post(func(c *Coordinator) { c.sellReconciler = fn })
}

// onExecution reconciles a fill notification against the optimistic position
// book. Runs on the actor loop.
//
// Buy fills overwrite the approximate entry price and quantity; a fill for an
// unknown symbol creates the position, covering the rare case where the
// notification beats the order response. Sell fills are recorded and handed
// to the SellReconciler if one is installed: cash was already settled at the
// submission-time quote, and the broker balance refresh squares any
// difference.
func (c *Coordinator) onExecution(exec types.Execution) {
	name := c.displayName(exec.Symbol)
	metrics.ExecutionsTotal.WithLabelValues(string(exec.Side)).Inc()

	switch exec.Side {
	case types.SideBuy:
		if pos, ok := c.positions[exec.Symbol]; ok {
			old := pos.EntryPrice
			pos.EntryPrice = exec.Price
			pos.Qty = exec.Qty
			pos.Confirmed = true
			c.emitLog("fill", fmt.Sprintf("%s buy filled: %d x %d (entry %d -> %d confirmed)",
				name, exec.Price, exec.Qty, old, exec.Price), exec.Symbol)
		} else {
			c.positions[exec.Symbol] = &types.Position{
				Symbol:     exec.Symbol,
				Name:       name,
				Qty:        exec.Qty,
				EntryPrice: exec.Price,
				Confirmed:  true,
				OpenedAt:   c.now(),
			}
			c.emitLog("fill", fmt.Sprintf("%s buy filled before order response: %d x %d",
				name, exec.Price, exec.Qty), exec.Symbol)
		}
		c.emitAccount()

	case types.SideSell:
		c.emitLog("fill", fmt.Sprintf("%s sell filled: %d x %d (total %d)",
			name, exec.Price, exec.Qty, exec.Price*exec.Qty), exec.Symbol)
		if c.sellReconciler != nil {
			c.sellReconciler(exec)
		}
	}

	if c.tlog != nil {
		c.tlog.Append(tradelog.Entry{
			Event:   "execution",
			Symbol:  exec.Symbol,
			Name:    name,
			Side:    string(exec.Side),
			Qty:     exec.Qty,
			Price:   exec.Price,
			OrderID: exec.OrderID,
		})
	}
}
