package interfaces

import (
	"context"

	"vanilla-trader/internal/types"
)

// Stream is the realtime surface of the brokerage. Run blocks until the
// context is cancelled or Disconnect is called; events are delivered on the
// Events channel, never via callbacks.
type Stream interface {
	Run(ctx context.Context) error
	Events() <-chan types.StreamEvent
	Subscribe(seq string)
	Unsubscribe(seq string)
	RequestConditionList()
	Connected() bool
	Authenticated() bool
	Disconnect()
}
