package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bophades/internal/domain"
)

// Command is one externally submitted call. Seq is assigned by the
// sequencer when the command is accepted.
type Command struct {
	Seq     uint64          `json:"seq"`
	Name    string          `json:"name"`
	Caller  common.Address  `json:"caller"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Result is what a handler returned for a command.
type Result struct {
	Seq   uint64 `json:"seq"`
	Value any    `json:"value,omitempty"`
	Err   error  `json:"-"`
}

// Handler executes one command against the core.
type Handler func(ctx context.Context, cmd Command) (any, error)

// CommandStore is the write-ahead journal.
type CommandStore interface {
	SaveCommand(ctx context.Context, cmd Command) error
}

type request struct {
	cmd   Command
	reply chan Result
}

// Stats counts processed commands.
type Stats struct {
	NextSeq   uint64 `json:"next_seq"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Sequencer is the single writer: every mutation of the core goes through
// its inbox and runs to completion before the next one starts.
type Sequencer struct {
	inbox    chan request
	handlers map[string]Handler
	store    CommandStore
	now      func() time.Time

	// Boundary: called after every command, e.g. to refresh read models.
	onResult func(Command, Result)
	// dump returns the state written on a fatal panic.
	dump func() any

	mu    sync.RWMutex // guards stats for external reads
	stats Stats
}

type Option func(*Sequencer)

func WithStore(store CommandStore) Option { return func(s *Sequencer) { s.store = store } }

func WithClock(now func() time.Time) Option { return func(s *Sequencer) { s.now = now } }

func WithResultHook(fn func(Command, Result)) Option { return func(s *Sequencer) { s.onResult = fn } }

func WithStateDump(fn func() any) Option { return func(s *Sequencer) { s.dump = fn } }

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, opts ...Option) *Sequencer {
	s := &Sequencer{
		inbox:    make(chan request, inboxSize),
		handlers: make(map[string]Handler),
		now:      time.Now,
		stats:    Stats{NextSeq: 1},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register binds a handler to a command name. Call before Run.
func (s *Sequencer) Register(name string, h Handler) {
	s.handlers[name] = h
}

// Commands lists registered command names.
func (s *Sequencer) Commands() []string {
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

// Submit enqueues a command and waits for its result.
func (s *Sequencer) Submit(ctx context.Context, name string, caller common.Address, payload json.RawMessage) (Result, error) {
	if _, ok := s.handlers[name]; !ok {
		return Result{}, domain.NewValidationError("engine.submit", fmt.Errorf("command %q: %w", name, domain.ErrNotFound), "name")
	}
	req := request{
		cmd:   Command{Name: name, Caller: caller, Payload: payload},
		reply: make(chan Result, 1),
	}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts the main command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started", slog.Int("commands", len(s.handlers)))

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState("panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case req := <-s.inbox:
			req.reply <- s.process(ctx, req.cmd)
		}
	}
}

func (s *Sequencer) process(ctx context.Context, cmd Command) Result {
	s.mu.RLock()
	cmd.Seq = s.stats.NextSeq
	s.mu.RUnlock()
	if cmd.At.IsZero() {
		cmd.At = s.now().UTC()
	}

	// WAL-first
	if s.store != nil {
		if err := s.store.SaveCommand(ctx, cmd); err != nil {
			panic(fmt.Sprintf("PERSISTENCE_FAILURE: %v", err))
		}
	}
	return s.dispatch(ctx, cmd)
}

func (s *Sequencer) dispatch(ctx context.Context, cmd Command) Result {
	res := Result{Seq: cmd.Seq}
	h, ok := s.handlers[cmd.Name]
	if !ok {
		res.Err = domain.NewValidationError("engine.dispatch", fmt.Errorf("command %q: %w", cmd.Name, domain.ErrNotFound), "name")
	} else {
		res.Value, res.Err = h(ctx, cmd)
	}

	s.mu.Lock()
	s.stats.NextSeq++
	s.stats.Processed++
	if res.Err != nil {
		s.stats.Failed++
	}
	s.mu.Unlock()

	if res.Err != nil {
		slog.Warn("Command rejected",
			slog.Uint64("seq", cmd.Seq),
			slog.String("name", cmd.Name),
			slog.Bool("retriable", domain.IsRetriable(res.Err)),
			slog.Any("error", res.Err))
	}
	if s.onResult != nil {
		s.onResult(cmd, res)
	}
	return res
}

// Replay re-executes journaled commands in order without journaling them
// again. Commands must continue the current sequence exactly.
func (s *Sequencer) Replay(ctx context.Context, cmds []Command) {
	for _, cmd := range cmds {
		s.mu.RLock()
		next := s.stats.NextSeq
		s.mu.RUnlock()
		if cmd.Seq != next {
			panic(fmt.Sprintf("REPLAY_GAP_DETECTED: expected %d, got %d", next, cmd.Seq))
		}
		s.dispatch(ctx, cmd)
	}
}

// Stats returns a copy of the counters (external read).
func (s *Sequencer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// DumpState writes the counters and core state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		Stats Stats `json:"stats"`
		State any   `json:"state,omitempty"`
	}{
		Stats: s.Stats(),
	}
	if s.dump != nil {
		data.State = s.dump()
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
