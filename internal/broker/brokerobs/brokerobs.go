package brokerobs

import (
	"context"

	"vanilla-trader/internal/interfaces"
	"vanilla-trader/internal/logger"
	"vanilla-trader/internal/trace"
	"vanilla-trader/internal/types"
)

// observableBroker wraps a Broker with observability (logging & tracing)
type observableBroker struct {
	broker interfaces.Broker
}

// Compile-time interface check
var _ interfaces.Broker = (*observableBroker)(nil)

// Wrap wraps a broker with observability middleware
func Wrap(broker interfaces.Broker) interfaces.Broker {
	return &observableBroker{
		broker: broker,
	}
}

// Login authenticates with observability
func (ob *observableBroker) Login(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "broker.Login")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Logging in to broker")

	err := ob.broker.Login(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Broker login failed", err)
		return err
	}

	logger.InfoSkip(ctx, 1, "Broker login successful")
	return nil
}

// EnsureToken refreshes the session token with observability
func (ob *observableBroker) EnsureToken(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "broker.EnsureToken")
	defer span.End()

	err := ob.broker.EnsureToken(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Token refresh failed", err)
		return err
	}
	return nil
}

func (ob *observableBroker) Token() string {
	return ob.broker.Token()
}

// GetQuote fetches a quote with observability
func (ob *observableBroker) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetQuote")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching quote", "symbol", symbol)

	quote, err := ob.broker.GetQuote(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch quote", err, "symbol", symbol)
		return types.Quote{}, err
	}

	logger.DebugSkip(ctx, 1, "Quote fetched successfully",
		"symbol", symbol, "price", quote.Price, "change_rate", quote.ChangeRate)
	return quote, nil
}

// GetBalance fetches the account snapshot with observability
func (ob *observableBroker) GetBalance(ctx context.Context) (types.Balance, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetBalance")
	defer span.End()

	logger.DebugSkip(ctx, 1, "Fetching balance")

	bal, err := ob.broker.GetBalance(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch balance", err)
		return types.Balance{}, err
	}

	logger.DebugSkip(ctx, 1, "Balance fetched successfully",
		"cash", bal.Cash, "holdings", len(bal.Holdings))
	return bal, nil
}

// GetConditionList fetches screening queries with observability
func (ob *observableBroker) GetConditionList(ctx context.Context) ([]types.ConditionChannel, error) {
	ctx, span := trace.StartSpan(ctx, "broker.GetConditionList")
	defer span.End()

	list, err := ob.broker.GetConditionList(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch condition list", err)
		return nil, err
	}

	logger.InfoSkip(ctx, 1, "Condition list fetched", "count", len(list))
	return list, nil
}

// SubmitMarketOrder places an order with observability
func (ob *observableBroker) SubmitMarketOrder(ctx context.Context, side types.Side, symbol string, qty int64) types.OrderResult {
	ctx, span := trace.StartSpan(ctx, "broker.SubmitMarketOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Placing market order",
		"symbol", symbol,
		"side", string(side),
		"qty", qty,
	)

	res := ob.broker.SubmitMarketOrder(ctx, side, symbol, qty)
	if !res.Success {
		logger.WarnSkip(ctx, 1, "Market order failed",
			"symbol", symbol,
			"side", string(side),
			"code", res.Code,
			"msg", res.Message,
		)
		return res
	}

	logger.InfoSkip(ctx, 1, "Market order accepted",
		"symbol", symbol,
		"order_id", res.OrderID,
		"order_ref", res.OrderRef,
	)
	return res
}
