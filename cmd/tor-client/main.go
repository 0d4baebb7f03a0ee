package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/torcore/tor-core/directory"
	"github.com/torcore/tor-core/guard"
	"github.com/torcore/tor-core/link"
	"github.com/torcore/tor-core/runtime"
	"github.com/torcore/tor-core/storage"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== tor-core channel/guard demo %s ===\n", Version)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(logger)
	defer func() { _ = store.Close() }()

	rt := runtime.NewReal()
	consensus := bootstrapDirectory(ctx, rt, logger)

	// The manager's loop runs on its own context so that it still answers
	// the Snapshot the deferred persistSample takes after a signal.
	mgrCtx, stopMgr := context.WithCancel(context.Background())
	defer stopMgr()
	mgr := newGuardManager(mgrCtx, rt, consensus, store, logger)
	defer persistSample(ctx, mgr, store, logger)

	if err := mgr.ReplaceGuards(ctx, guard.DefaultParams); err != nil {
		fmt.Printf("  Failed to populate guard sample: %v\n", err)
		os.Exit(1)
	}

	ch := dialAGuard(ctx, mgr, rt, logger)
	defer func() { _ = ch.Close() }()

	fmt.Printf("\nChannel open: version %d, peer identity %x\n", ch.Version(), []byte(ch.PeerIdentity.Ed25519))
	fmt.Println("Press Ctrl-C to exit.")
	<-ctx.Done()
	fmt.Println("\nShutting down...")
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("tor-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

func defaultStoreDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "tor-core")
}

func openStore(logger *slog.Logger) *storage.FileStore {
	store, err := storage.OpenFileStore(defaultStoreDir())
	if err != nil {
		fmt.Printf("  Failed to open state store: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("opened state store", "dir", defaultStoreDir())
	return store
}

// bootstrapDirectory runs the fetch/validate/parse pipeline the guard
// manager's consensus universe needs, via directory.Bootstrap.
func bootstrapDirectory(ctx context.Context, rt runtime.Runtime, logger *slog.Logger) *directory.Consensus {
	fmt.Println("Fetching directory key certificates and consensus...")
	consensus, keyCerts, err := directory.Bootstrap(ctx, rt, logger)
	if err != nil {
		fmt.Printf("  Failed: %v\n", err)
		os.Exit(1)
	}
	if len(keyCerts) > 0 {
		fmt.Printf("  Consensus cryptographically verified (≥5 RSA signatures) using %d authority key certs\n", len(keyCerts))
	} else {
		fmt.Println("  Consensus structurally validated (≥5 authority signatures)")
	}
	fmt.Printf("  Parsed: %d relays, valid until %s\n", len(consensus.Relays), consensus.ValidUntil.Format(time.RFC3339))
	return consensus
}

// newGuardManager loads a previously persisted sample (if the store has
// one) and starts the manager's event loop; it stops when ctx is done.
func newGuardManager(ctx context.Context, rt runtime.Runtime, consensus *directory.Consensus, store storage.Store, logger *slog.Logger) *guard.Manager {
	sample, err := guard.LoadSample(ctx, store)
	if err != nil {
		logger.Warn("failed to load persisted guard sample, starting fresh", "error", err)
		sample = guard.NewSample()
	} else if sample.Len() > 0 {
		fmt.Printf("Loaded %d guards from persisted state\n", sample.Len())
	}

	universe := guard.ConsensusUniverse{Consensus: consensus}
	mgr := guard.NewWithSample(rt, universe, guard.DefaultParams, sample)
	rt.Spawn(func() { mgr.Run(ctx) })
	return mgr
}

func persistSample(ctx context.Context, mgr *guard.Manager, store storage.Store, logger *slog.Logger) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sample, err := mgr.Snapshot(saveCtx)
	if err != nil {
		logger.Warn("failed to snapshot guard sample", "error", err)
		return
	}
	if err := guard.SaveSample(saveCtx, store, sample); err != nil {
		logger.Warn("failed to persist guard sample", "error", err)
	}
}

// dialAGuard selects a guard and dials a channel to it, retrying per
// guard.MicrodescBatchSchedule and reporting the outcome back to the
// manager so future selections account for reachability.
func dialAGuard(ctx context.Context, mgr *guard.Manager, rt runtime.Runtime, logger *slog.Logger) *link.Channel {
	schedule := guard.MicrodescBatchSchedule
	var lastErr error

	for attempt := 0; attempt < schedule.Attempts; attempt++ {
		if attempt > 0 {
			delay, err := schedule.Delay(attempt)
			if err != nil {
				fmt.Printf("  Retry scheduling failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  Retrying in %s...\n", delay)
			if err := rt.Sleep(ctx, delay); err != nil {
				fmt.Println("\nCanceled.")
				os.Exit(1)
			}
		}

		id, mon, fut, err := mgr.SelectGuard(ctx, guard.AnyUsage)
		if err != nil {
			lastErr = err
			fmt.Printf("  Attempt %d: guard selection failed: %v\n", attempt, err)
			continue
		}

		addr := guardAddress(mgr, id)
		fmt.Printf("  Attempt %d: dialing guard %x at %s\n", attempt, identitySuffix(id), addr)

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		ch, err := link.Dial(dialCtx, addr, rt, logger)
		cancel()
		if err != nil {
			mon.Failed()
			lastErr = err
			fmt.Printf("  Attempt %d: handshake failed: %v\n", attempt, err)
			continue
		}

		mon.Succeeded()
		if !fut.Await() {
			fmt.Println("  Guard preempted by a higher-priority guard becoming usable; closing and retrying.")
			_ = ch.Close()
			continue
		}
		return ch
	}

	fmt.Printf("\nFailed to reach a usable guard after %d attempts: %v\n", schedule.Attempts, lastErr)
	os.Exit(1)
	return nil
}

func identitySuffix(id guard.Identity) []byte {
	if id.HasEd25519 {
		return id.Ed25519[:4]
	}
	return id.RSA[:4]
}

// guardAddress is a placeholder lookup: a deployed client would carry
// the guard's address alongside its identity in the sample (the Guard
// struct already does, via Snapshot); this demo binary re-derives it
// from the manager's last-known sample entry instead of threading the
// address through SelectGuard's narrow return type.
func guardAddress(mgr *guard.Manager, id guard.Identity) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sample, err := mgr.Snapshot(ctx)
	if err != nil {
		return ""
	}
	g := sample.Find(id)
	if g == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", g.Address, g.ORPort)
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
