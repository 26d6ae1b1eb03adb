package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"bophades/internal/clock"
	"bophades/internal/domain"
	"bophades/internal/engine"
	"bophades/internal/event"
	"bophades/internal/infra"
	"bophades/internal/infra/storage"
	"bophades/internal/service"
)

const recentEvents = 200

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Metrics   *infra.Metrics
	Status    *service.StatusService
	System    *System
	Sequencer *engine.Sequencer
	// Now stamps new commands; defaults to the wall clock.
	Now func() time.Time

	journal []engine.Command
	stored  *replayGate
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// replayGate drops events while the journal is replayed; they were stored
// when the commands first ran.
type replayGate struct {
	next  event.Recorder
	muted atomic.Bool
}

func (g *replayGate) Record(ev event.Event) {
	if !g.muted.Load() {
		g.next.Record(ev)
	}
}

// Initialize performs core system initialization: config, logger,
// storage, module wiring and journal replay.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping Bophades RBS...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	return b.assemble(ctx)
}

// assemble wires the system on an open storage. Split out so tests can
// supply their own storage and config.
func (b *Bootstrap) assemble(ctx context.Context) error {
	cfg := b.Config
	if b.Now == nil {
		b.Now = clock.System{}.Now
	}
	b.Metrics = infra.NewMetrics(cfg.Tokens.Reserve.Decimals, cfg.Tokens.Managed.Decimals, cfg.Price.Decimals)
	b.Status = service.NewStatusService(recentEvents)

	run, err := b.Storage.LastRun(ctx)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if run != "" {
		if b.journal, err = b.Storage.Commands(ctx, run); err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
	}

	start := b.Now()
	if len(b.journal) > 0 {
		b.Storage.UseRun(run)
		start = b.journal[0].At

		var last service.Status
		if seq, ok, err := b.Storage.LatestSnapshot(ctx, &last); err != nil {
			slog.Warn("Snapshot unreadable", slog.Any("error", err))
		} else if ok {
			b.Status.Update(last)
			slog.Info("📸 Snapshot loaded", slog.Uint64("seq", seq))
		}
	}

	b.stored = &replayGate{next: b.Storage}
	rec := event.Fanout{b.stored, b.Metrics, b.Status}
	sys, err := Build(cfg, clock.NewManual(start), rec)
	if err != nil {
		return err
	}
	b.System = sys

	b.Sequencer = engine.NewSequencer(1024,
		engine.WithStore(b.Storage),
		engine.WithClock(b.Now),
		engine.WithResultHook(b.onResult),
		engine.WithStateDump(sys.Dump),
	)
	sys.Register(b.Sequencer)

	if len(b.journal) > 0 {
		b.stored.muted.Store(true)
		b.Sequencer.Replay(ctx, b.journal)
		b.stored.muted.Store(false)
		stats := b.Sequencer.Stats()
		slog.Info("♻️ Journal replayed",
			slog.String("run", run),
			slog.Uint64("commands", stats.Processed),
			slog.Uint64("rejected", stats.Failed))
	}
	slog.Info("✅ System assembled", slog.String("run", b.Storage.RunID()))
	return nil
}

// Start runs the sequencer and submits genesis as the configured admin
// unless the journal already initialized the system.
func (b *Bootstrap) Start(ctx context.Context) error {
	go b.Sequencer.Run(ctx)
	slog.InfoContext(ctx, "✅ Sequencer started")

	if b.System.Operator.Initialized() {
		return nil
	}
	res, err := b.Sequencer.Submit(ctx, CommandGenesis, b.Config.Addresses.Admin, nil)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	slog.InfoContext(ctx, "✅ Genesis committed", slog.Uint64("seq", res.Seq))
	return nil
}

// onResult runs on the sequencer goroutine after every command.
func (b *Bootstrap) onResult(cmd engine.Command, res engine.Result) {
	b.Metrics.ObserveCommand(cmd.Name, res.Err)

	st := b.System.Status(cmd.Seq)
	b.Status.Update(st)
	b.Metrics.SetCapacity(domain.Low, b.System.Range.Capacity(domain.Low))
	b.Metrics.SetCapacity(domain.High, b.System.Range.Capacity(domain.High))

	every := b.Config.Storage.SnapshotEvery
	if every == 0 || cmd.Seq%every != 0 || b.stored.muted.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Storage.SaveSnapshot(ctx, cmd.Seq, st); err != nil {
		slog.Error("Snapshot failed", slog.Uint64("seq", cmd.Seq), slog.Any("error", err))
	}
}

// Close releases storage.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}
