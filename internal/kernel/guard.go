package kernel

import (
	"sync/atomic"

	"bophades/internal/domain"
)

// Guard rejects an entry while another entry on the same instance is in
// progress. It never blocks: callers that need queuing go through the
// engine sequencer, which runs one command at a time.
type Guard struct {
	busy atomic.Bool
}

// Enter marks the instance busy and returns the release func.
func (g *Guard) Enter(op string) (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, domain.NewWaitError(op, domain.ErrReentrant)
	}
	return func() { g.busy.Store(false) }, nil
}

func (g *Guard) Busy() bool { return g.busy.Load() }
