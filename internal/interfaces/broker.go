package interfaces

import (
	"context"

	"vanilla-trader/internal/types"
)

// Broker is the REST surface of the brokerage. Implementations own the session
// token and keep it fresh; SubmitMarketOrder maps transport failures into a
// failed OrderResult rather than an error.
type Broker interface {
	Login(ctx context.Context) error
	EnsureToken(ctx context.Context) error
	Token() string
	GetQuote(ctx context.Context, symbol string) (types.Quote, error)
	GetBalance(ctx context.Context) (types.Balance, error)
	GetConditionList(ctx context.Context) ([]types.ConditionChannel, error)
	SubmitMarketOrder(ctx context.Context, side types.Side, symbol string, qty int64) types.OrderResult
}
