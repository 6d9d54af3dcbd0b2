package rtio

import "context"

// Waiter blocks until the driving clock domain has advanced by at least one
// cycle. Blocking reads poll between waits.
type Waiter interface {
	WaitTick(ctx context.Context) error
}
