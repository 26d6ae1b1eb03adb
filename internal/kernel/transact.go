package kernel

import (
	"errors"

	"bophades/internal/domain"
	"bophades/pkg/safe"
)

// Stateful is a participant whose state can be captured and put back.
type Stateful interface {
	Snapshot() any
	Restore(snapshot any)
}

// Committer is a participant that must be told when a transaction it
// joined has succeeded.
type Committer interface {
	Commit()
}

// Transact runs fn with all-or-nothing semantics over participants: if fn
// returns an error every participant is restored to its state at entry.
// Checked-arithmetic panics from pkg/safe are converted into a
// ValidationError wrapping domain.ErrArithmetic. Any other panic restores
// state and propagates.
func Transact(op string, participants []Stateful, fn func() error) (err error) {
	snaps := make([]any, len(participants))
	for i, p := range participants {
		if p != nil {
			snaps[i] = p.Snapshot()
		}
	}
	restore := func() {
		for i := len(participants) - 1; i >= 0; i-- {
			if participants[i] != nil {
				participants[i].Restore(snaps[i])
			}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			restore()
			if e, ok := r.(error); ok {
				var oe *safe.OverflowError
				if errors.As(e, &oe) {
					err = domain.NewValidationError(op, domain.ErrArithmetic, oe.Op)
					return
				}
			}
			panic(r)
		}
		if err != nil {
			restore()
			return
		}
		for _, p := range participants {
			if c, ok := p.(Committer); ok {
				c.Commit()
			}
		}
	}()

	return fn()
}

// Participants returns the values that implement Stateful, once each and
// in argument order. Nil interface values are skipped.
func Participants(values ...any) []Stateful {
	seen := make(map[Stateful]bool, len(values))
	out := make([]Stateful, 0, len(values))
	for _, v := range values {
		s, ok := v.(Stateful)
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
