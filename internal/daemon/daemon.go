// Package daemon wires the long-running collaborators together: engine,
// sequencer, write-ahead log, checkpoint store, fanout registry,
// arbitration manager, command index, transport listener and watchdog
// scheduler. Grounded on the teacher's internal/daemon/daemon.go signal-
// handling and errCh-based fan-in shutdown, generalized from a two-
// goroutine (timeline + transport) daemon to a five-collaborator one using
// golang.org/x/sync/errgroup in place of the teacher's hand-rolled errCh,
// since the daemon now needs to propagate a first-error-cancels-all
// shutdown across more than two goroutines.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/loomterm/loom/internal/arbitration"
	"github.com/loomterm/loom/internal/checkpoint"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/fanout"
	"github.com/loomterm/loom/internal/logger"
	"github.com/loomterm/loom/internal/store"
	"github.com/loomterm/loom/internal/transport"
	"github.com/loomterm/loom/internal/walog"
	"github.com/loomterm/loom/internal/watchdog"
)

// checkpointInterval is how often the daemon snapshots engine state to
// disk and trims WAL segments older than the snapshot's commit_seq.
const checkpointInterval = 30 * time.Second

// Run brings up every collaborator, serves until ctx is cancelled by a
// signal, then performs an orderly shutdown: final checkpoint, WAL flush,
// clean-shutdown marker.
func Run(cfg *config.Config) error {
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("daemon: init logger: %w", err)
	}
	log := logger.For("daemon")

	for _, dir := range []string{cfg.StateDir, cfg.WALDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("daemon: create state dir %s: %w", dir, err)
		}
	}

	wasClean := checkpoint.WasCleanShutdown(cfg.StateDir)
	if err := checkpoint.ClearCleanShutdownMarker(cfg.StateDir); err != nil {
		return fmt.Errorf("daemon: clear shutdown marker: %w", err)
	}
	if !wasClean {
		log.Warn("previous shutdown was not clean, recovering from checkpoint + WAL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, cfg)

	state, found, err := checkpoint.Load(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("daemon: load checkpoint: %w", err)
	}
	if found {
		eng.Restore(state)
		log.Info("restored checkpoint", "commit_seq", state.CommitSeq, "sessions", len(state.Sessions))
	}

	wal, err := walog.Open(cfg.WALDir(), cfg.WALSegmentBytes, walDurability(cfg.Durability))
	if err != nil {
		return fmt.Errorf("daemon: open wal: %w", err)
	}
	defer wal.Close()

	lastSeq := state.CommitSeq
	replayed := 0
	err = wal.Replay(state.CommitSeq, func(rec walog.Record) error {
		payload, err := command.DecodePayload(rec.Kind, rec.Payload)
		if err != nil {
			return err
		}
		if _, err := eng.Apply(rec.CommitSeq, command.Command{Origin: rec.Origin, Kind: rec.Kind, Payload: payload}); err != nil {
			// Per-command outcomes (a send_input against a pane whose
			// inferior had already exited) repeat on replay exactly as they
			// happened live; they are not recovery failures.
			log.Debug("replay outcome", "kind", rec.Kind, "seq", rec.CommitSeq, "result", err)
		}
		lastSeq = rec.CommitSeq
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("daemon: wal replay: %w", err)
	}
	if replayed > 0 {
		log.Info("replayed wal records", "count", replayed, "resumed_at", lastSeq)
	}

	fanoutReg := fanout.NewRegistry(cfg.ReplayRingSize)
	arbiter := arbitration.New(cfg.ArbitrationDefault)

	seq := command.NewSequencer(arbiter, eng, wal, eng, fanoutReg, 4096)
	seq.SetLastAppliedSeq(lastSeq)
	seq.OnReadOnly(func() {
		log.Error("WAL appends failing persistently, daemon is now read-only")
		fanoutReg.NotifyAll("read_only", "persistent WAL failures; mutations are refused until restart")
	})

	idx, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("daemon: open command index: %w", err)
	}
	defer idx.Close()

	srv := transport.NewServer(cfg.SocketPath, seq, eng, fanoutReg, arbiter, idx, logger.For("transport"))
	wd := watchdog.New(eng, seq)

	sigCtx, stop := signal.NotifyContext(ctx, unix.SIGTERM, unix.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info("transport listening", "socket", cfg.SocketPath)
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		log.Info("watchdog scheduler started")
		return wd.Run(gctx)
	})
	g.Go(func() error {
		return runCheckpointLoop(gctx, log, cfg, eng, wal, seq)
	})

	log.Info("daemon started", "state_dir", cfg.StateDir)

	waitErr := g.Wait()
	if waitErr != nil && sigCtx.Err() == nil {
		cancel()
		return fmt.Errorf("daemon: %w", waitErr)
	}

	cancel()
	if err := writeCheckpoint(cfg, eng, wal, seq); err != nil {
		log.Error("final checkpoint failed", "error", err)
	}
	if err := checkpoint.MarkCleanShutdown(cfg.StateDir); err != nil {
		log.Error("mark clean shutdown failed", "error", err)
	}
	log.Info("daemon stopped cleanly")
	return nil
}

func runCheckpointLoop(ctx context.Context, log *slog.Logger, cfg *config.Config, eng *engine.Engine, wal *walog.WAL, seq *command.Sequencer) error {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeCheckpoint(cfg, eng, wal, seq); err != nil {
				log.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

func writeCheckpoint(cfg *config.Config, eng *engine.Engine, wal *walog.WAL, seq *command.Sequencer) error {
	if err := wal.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", err)
	}
	at := seq.LastAppliedSeq()
	state := eng.Checkpoint(at, cfg.GhostImageLines)
	if err := checkpoint.Write(cfg.StateDir, state); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return wal.Trim(at)
}

func walDurability(d config.DurabilityPolicy) walog.Durability {
	if d == config.DurabilityAlways {
		return walog.DurabilityAlways
	}
	return walog.DurabilityBatch
}
