// Package watchdog runs the periodic "send a fixed message to a pane"
// background task spec'd in §4.7's watchdog tool primitive. State lives as
// pane metadata set by a WatchdogState Command (so it survives restart);
// this package is only the scheduler that reads that state and drives the
// sends. Grounded on the teacher's PollInterval ticker loop (its timeline
// engine's time.Second poll in internal/timeline), repurposed from polling
// task rows to polling pane watchdog metadata.
package watchdog

import (
	"context"
	"strconv"
	"time"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/ids"
)

const tickInterval = time.Second

// Runner periodically scans every live pane for an active watchdog and
// submits a SendInput command at the pane's configured interval.
type Runner struct {
	engine *engine.Engine
	seq    *command.Sequencer

	lastSent map[ids.PaneID]time.Time
}

// New creates a watchdog Runner bound to the daemon's engine and sequencer.
func New(eng *engine.Engine, seq *command.Sequencer) *Runner {
	return &Runner{engine: eng, seq: seq, lastSent: make(map[ids.PaneID]time.Time)}
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	now := time.Now()
	for _, s := range r.engine.Sessions().All() {
		for _, w := range s.Windows() {
			for _, paneID := range w.Panes() {
				r.maybeFire(paneID, now)
			}
		}
	}
}

func (r *Runner) maybeFire(paneID ids.PaneID, now time.Time) {
	p, ok := r.engine.Pane(paneID)
	if !ok {
		return
	}
	meta := p.Metadata()
	if meta["watchdog_active"] != "true" {
		return
	}
	interval, err := strconv.Atoi(meta["watchdog_interval_secs"])
	if err != nil || interval <= 0 {
		return
	}
	last, seen := r.lastSent[paneID]
	if seen && now.Sub(last) < time.Duration(interval)*time.Second {
		return
	}
	r.lastSent[paneID] = now
	r.seq.Submit(command.Command{
		ID:      ids.New(),
		Origin:  command.Origin{Kind: command.OriginInternal},
		Kind:    command.KindSendInput,
		Payload: command.SendInputPayload{PaneID: paneID, Bytes: []byte(meta["watchdog_message"]), SubmitEnter: true},
		Arrived: now,
	})
}
