package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"

	"bophades/internal/app"
	"bophades/internal/domain"
	"bophades/internal/infra"
	"bophades/internal/infra/feed"
	"bophades/internal/price"
	"bophades/pkg/quant"

	_ "net/http/pprof" // For pprof profiling
)

const callerHeader = "X-Caller"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. System Bootstrapping (config, logger, storage, replay)
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()
	cfg := bootstrap.Config

	// 3. Pprof Server (for performance profiling)
	if cfg.HTTP.Pprof != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", cfg.HTTP.Pprof))
			if err := http.ListenAndServe(cfg.HTTP.Pprof, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 4. Sequencer (single writer) and genesis on a fresh journal
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("❌ Startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 5. Price stream. The worker writes its own feeds; quotes reach PRICE
	// only through journaled beats.
	var streams map[string]*price.LiveFeed
	if cfg.Feed.Enabled {
		streams = map[string]*price.LiveFeed{
			cfg.Feed.ManagedPair: price.NewLiveFeed(cfg.Feed.ManagedPair, cfg.Price.Decimals),
		}
		if cfg.Feed.ReservePair != "" {
			streams[cfg.Feed.ReservePair] = price.NewLiveFeed(cfg.Feed.ReservePair, cfg.Price.Decimals)
		}
		sinks := make(map[string]feed.Sink, len(streams))
		for pair, f := range streams {
			sinks[pair] = f
		}
		if url := cfg.Feed.ReservePollURL; url != "" {
			delete(sinks, cfg.Feed.ReservePair)
			poller := feed.NewPoller(url, cfg.Feed.ReservePair, streams[cfg.Feed.ReservePair], cfg.Feed.PollInterval)
			poller.OnConnection = func(up bool) { bootstrap.Metrics.SetFeedConnected("rest", up) }
			poller.Start(ctx)
			defer poller.Stop()
		}
		ws := feed.NewWorker(cfg.Feed.WSURL, sinks)
		ws.OnConnection = func(up bool) { bootstrap.Metrics.SetFeedConnected("ws", up) }
		var worker domain.FeedWorker = ws
		if err := worker.Connect(ctx); err != nil {
			slog.Error("Failed to start price feed", slog.Any("error", err))
		}
		defer worker.Disconnect()
		slog.InfoContext(ctx, "✅ Price feed started", slog.Int("pairs", len(sinks)))
	}

	// 6. Keeper: submits a beat on schedule; early beats are simply rejected.
	if cfg.Heart.Schedule != "" {
		keeper := cron.New()
		_, err := keeper.AddFunc(cfg.Heart.Schedule, func() { beat(ctx, bootstrap, streams) })
		if err != nil {
			slog.Error("Invalid keeper schedule", slog.Any("error", err))
			os.Exit(1)
		}
		keeper.Start()
		defer keeper.Stop()
		slog.InfoContext(ctx, "✅ Keeper scheduled", slog.String("schedule", cfg.Heart.Schedule))
	}

	// 7. HTTP: metrics, status and commands
	srv := &http.Server{Addr: cfg.HTTP.Listen, Handler: routes(bootstrap), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("🌐 HTTP server started", slog.String("addr", cfg.HTTP.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	slog.InfoContext(ctx, "✨ Bophades RBS fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// beat submits heart.beat as the keeper, carrying the latest streamed
// quotes.
func beat(ctx context.Context, b *app.Bootstrap, streams map[string]*price.LiveFeed) {
	payload := app.BeatPayload{Quotes: make(map[string]app.Quote, len(streams))}
	for pair, f := range streams {
		q, err := f.Latest()
		if err != nil {
			continue
		}
		payload.Quotes[pair] = app.Quote{Price: quant.ToDecimal(q.Price, f.Decimals()), At: q.UpdatedAt}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Beat payload", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := b.Sequencer.Submit(ctx, "heart.beat", b.Config.Addresses.Keeper, raw)
	switch {
	case err == nil:
		slog.Info("🫀 Keeper beat", slog.Uint64("seq", res.Seq))
	case domain.IsRetriable(err):
		slog.Debug("Keeper beat not due", slog.Any("error", err))
	default:
		slog.Warn("Keeper beat failed", slog.Any("error", err))
	}
}

func routes(b *app.Bootstrap) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", b.Metrics.Handler())

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.Status.Current())
	})

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		writeJSON(w, http.StatusOK, b.Status.Recent(n))
	})

	mux.HandleFunc("POST /commands/{name}", func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get(callerHeader)
		if !common.IsHexAddress(caller) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing or invalid " + callerHeader})
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		res, err := b.Sequencer.Submit(r.Context(), r.PathValue("name"), common.HexToAddress(caller), body)
		if err != nil {
			writeJSON(w, statusFor(err), map[string]any{
				"seq":       res.Seq,
				"error":     err.Error(),
				"class":     infra.ErrorClass(err),
				"retriable": domain.IsRetriable(err),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"seq": res.Seq, "result": res.Value})
	})
	return mux
}

func statusFor(err error) int {
	switch infra.ErrorClass(err) {
	case "validation", "capacity", "rounding":
		return http.StatusUnprocessableEntity
	case "state":
		return http.StatusConflict
	case "other":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", slog.Any("error", err))
	}
}
