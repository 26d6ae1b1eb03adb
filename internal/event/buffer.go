package event

import "sync"

// Buffer holds events emitted inside a transaction and forwards them only
// when the outermost transaction commits. Outside any transaction events
// pass straight through.
//
// Buffer satisfies kernel.Stateful and kernel.Committer: Snapshot opens a
// nesting level, Restore drops what that level recorded, Commit closes it.
type Buffer struct {
	mu      sync.Mutex
	next    Recorder
	pending []Event
	depth   int
}

func NewBuffer(next Recorder) *Buffer {
	if next == nil {
		next = Nop{}
	}
	return &Buffer{next: next}
}

func (b *Buffer) Record(ev Event) {
	b.mu.Lock()
	if b.depth == 0 {
		b.mu.Unlock()
		b.next.Record(ev)
		return
	}
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

func (b *Buffer) Snapshot() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depth++
	return len(b.pending)
}

func (b *Buffer) Restore(s any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depth > 0 {
		b.depth--
	}
	b.pending = b.pending[:s.(int)]
}

func (b *Buffer) Commit() {
	b.mu.Lock()
	if b.depth > 0 {
		b.depth--
	}
	if b.depth > 0 {
		b.mu.Unlock()
		return
	}
	out := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, ev := range out {
		b.next.Record(ev)
	}
}

// Pending reports how many events are waiting for commit.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
