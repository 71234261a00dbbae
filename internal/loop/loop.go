// Package loop drives the single-threaded cooperative event loop:
// sequencing periodic housekeeping, the outbound release trigger, and
// the inbound sweep once per tick, with outbound always processed
// before inbound so no message is received, decrypted and forwarded
// within the same cycle.
package loop

import (
	"context"
	"time"

	"github.com/coderelay/mixnode/internal/clock"
	"github.com/coderelay/mixnode/pkg/logging"
)

// Directory is the key-directory surface the loop drives directly.
type Directory interface {
	DailyEvents(ctx context.Context) error
	ResetSecretCache()
}

// ChunkExpirer removes stale multipart chunk records.
type ChunkExpirer interface {
	Expire(now time.Time) (int64, error)
}

// ReplayPruner removes expired replay-log entries.
type ReplayPruner interface {
	PruneReplayLog(now time.Time) (int64, error)
}

// OutboundTrigger reports whether the outbound pool should release this
// cycle.
type OutboundTrigger interface {
	Trigger(now time.Time) (bool, error)
}

// InboundProcessor sweeps the inbound pool.
type InboundProcessor interface {
	ProcessAll(ctx context.Context) (int, error)
	DummyCount() int64
	ResetDummyCount()
}

// OutboundProcessor drains the outbound pool's released subset.
type OutboundProcessor interface {
	ProcessSubset(ctx context.Context, now time.Time) (int, error)
}

// DummyInjector probabilistically injects cover traffic.
type DummyInjector interface {
	Maybe(probability int) (bool, error)
}

// PoolStats reports and optionally resets a pool's processed-file
// counters.
type PoolStats interface {
	ReportProcessed(reset bool) (hour, day int64)
}

// Config holds the operator-controlled tick interval and dummy
// probabilities (pool.indummy / pool.outdummy).
type Config struct {
	TickInterval time.Duration
	InDummyOdds  int
	OutDummyOdds int
}

// Loop owns every collaborator the per-minute cycle drives.
type Loop struct {
	timer *clock.EventTimer

	directory Directory
	chunks    ChunkExpirer
	replay    ReplayPruner

	outTrigger OutboundTrigger
	inbound    InboundProcessor
	outbound   OutboundProcessor
	dummy      DummyInjector

	inStats  PoolStats
	outStats PoolStats

	log *logging.Logger
	cfg Config
}

// New constructs a Loop. now seeds the one-shot trigger schedule.
func New(now time.Time, directory Directory, chunks ChunkExpirer, replay ReplayPruner, outTrigger OutboundTrigger, inbound InboundProcessor, outbound OutboundProcessor, dummy DummyInjector, inStats, outStats PoolStats, log *logging.Logger, cfg Config) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	return &Loop{
		timer:      clock.NewEventTimer(now),
		directory:  directory,
		chunks:     chunks,
		replay:     replay,
		outTrigger: outTrigger,
		inbound:    inbound,
		outbound:   outbound,
		dummy:      dummy,
		inStats:    inStats,
		outStats:   outStats,
		log:        log.Component("loop"),
		cfg:        cfg,
	}
}

// Run drives the cooperative cycle until ctx is cancelled (SIGTERM),
// returning at the next sleep boundary.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := l.tick(ctx); err != nil {
			l.log.Warn("cycle failed, continuing", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.cfg.TickInterval):
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	now := time.Now().UTC()

	if l.timer.DailyTrigger(now) {
		l.runDailyHousekeeping(ctx, now)
	}
	if l.timer.HourlyTrigger(now) {
		l.reportStats(false)
	}
	if l.timer.MidnightTrigger(now) {
		l.reportStats(true)
		l.runMidnightHousekeeping(now)
	}

	if triggered, err := l.outTrigger.Trigger(now); err != nil {
		l.log.Warn("outbound trigger check failed", "error", err)
	} else if triggered {
		if _, err := l.dummy.Maybe(l.cfg.OutDummyOdds); err != nil {
			l.log.Warn("outbound dummy injection failed", "error", err)
		}
		if _, err := l.outbound.ProcessSubset(ctx, now); err != nil {
			l.log.Warn("outbound processing failed", "error", err)
		}
	}

	if _, err := l.dummy.Maybe(l.cfg.InDummyOdds); err != nil {
		l.log.Warn("inbound dummy injection failed", "error", err)
	}
	if _, err := l.inbound.ProcessAll(ctx); err != nil {
		return err
	}
	return nil
}

func (l *Loop) runDailyHousekeeping(ctx context.Context, now time.Time) {
	if err := l.directory.DailyEvents(ctx); err != nil {
		l.log.Warn("daily key-directory housekeeping failed", "error", err)
	}
	expired, err := l.chunks.Expire(now)
	if err != nil {
		l.log.Warn("chunk expiry failed", "error", err)
		return
	}
	if expired > 0 {
		l.log.Info("expired stale chunk records", "count", expired)
	}
}

func (l *Loop) runMidnightHousekeeping(now time.Time) {
	pruned, err := l.replay.PruneReplayLog(now)
	if err != nil {
		l.log.Warn("replay log prune failed", "error", err)
	} else if pruned > 0 {
		l.log.Info("pruned replay log", "count", pruned)
	}
	l.directory.ResetSecretCache()
	l.inbound.ResetDummyCount()
}

func (l *Loop) reportStats(reset bool) {
	inHour, inDay := l.inStats.ReportProcessed(reset)
	outHour, outDay := l.outStats.ReportProcessed(reset)
	if reset {
		l.log.Info("day stats", "inbound", inDay, "outbound", outDay, "dummies", l.inbound.DummyCount())
		return
	}
	l.log.Info("hour stats", "inbound", inHour, "outbound", outHour, "dummies", l.inbound.DummyCount())
}
