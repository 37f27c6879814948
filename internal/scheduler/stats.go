// Package scheduler runs periodic background work on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/scalerd/internal/observability"
	"github.com/jmylchreest/scalerd/internal/scaler"
	"github.com/robfig/cron/v3"
)

// ErrAlreadyStarted is returned by Start on a running reporter.
var ErrAlreadyStarted = errors.New("scheduler: stats reporter already started")

// EngineSource lists the engines to report on.
type EngineSource interface {
	Engines() []*scaler.Engine
}

// Snapshot is one engine's statistics at report time.
type Snapshot struct {
	EngineID int
	Backend  string
	Stats    scaler.Stats
	// Treated counts tasks completed since the previous report.
	Treated uint64
}

// StatsReporter logs engine statistics on a cron schedule.
type StatsReporter struct {
	mu       sync.Mutex
	source   EngineSource
	logger   *slog.Logger
	parser   cron.Parser
	schedule string

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	last   map[int]uint64
}

// NewStatsReporter creates a reporter for the given schedule. The schedule
// accepts five or six field cron expressions and descriptors like "@every 1m".
func NewStatsReporter(source EngineSource, schedule string) *StatsReporter {
	return &StatsReporter{
		source:   source,
		logger:   slog.Default(),
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedule: schedule,
		last:     make(map[int]uint64),
	}
}

// WithLogger sets a custom logger.
func (r *StatsReporter) WithLogger(logger *slog.Logger) *StatsReporter {
	r.logger = observability.WithComponent(logger, "stats")
	return r
}

// Start schedules periodic reports until Stop is called or ctx is done.
func (r *StatsReporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return ErrAlreadyStarted
	}
	schedule, err := r.parser.Parse(r.schedule)
	if err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", r.schedule, err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron = cron.New(
		cron.WithParser(r.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx, c := r.ctx, r.cron
	c.Schedule(schedule, cron.FuncJob(func() { r.Report(runCtx) }))
	c.Start()

	go func() {
		<-runCtx.Done()
		r.stop(c)
	}()

	r.logger.Info("stats reporter started",
		slog.String("schedule", r.schedule),
		slog.Time("next_run", schedule.Next(time.Now())),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight report to finish.
func (r *StatsReporter) Stop() {
	r.stop(nil)
}

// stop halts the running schedule. A non-nil only limits it to that instance.
func (r *StatsReporter) stop(only *cron.Cron) {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	if c == nil || (only != nil && c != only) {
		r.mu.Unlock()
		return
	}
	r.cron, r.cancel, r.ctx = nil, nil, nil
	r.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	r.logger.Info("stats reporter stopped")
}

// Report logs one line per engine and returns the snapshots.
func (r *StatsReporter) Report(ctx context.Context) []Snapshot {
	engines := r.source.Engines()
	snaps := make([]Snapshot, 0, len(engines))

	for _, e := range engines {
		st := e.Stats()
		treated := st.PicTreatedValid + st.PicTreatedInvalid

		r.mu.Lock()
		delta := treated - r.last[e.ID()]
		r.last[e.ID()] = treated
		r.mu.Unlock()

		snap := Snapshot{EngineID: e.ID(), Backend: e.Backend().Name(), Stats: st, Treated: delta}
		snaps = append(snaps, snap)

		r.logger.LogAttrs(ctx, slog.LevelInfo, "engine stats",
			slog.Int("engine_id", snap.EngineID),
			slog.String("backend", snap.Backend),
			slog.Bool("running", e.Running()),
			slog.Uint64("treated_since_last", delta),
			slog.Uint64("pic_queued", st.PicQueued),
			slog.Uint64("pic_treated_valid", st.PicTreatedValid),
			slog.Uint64("pic_treated_invalid", st.PicTreatedInvalid),
			slog.Uint64("busy_rejections", st.BusyRejections),
			slog.Int("pending", st.Pending),
			slog.Int("sessions", st.Sessions),
			slog.Int("free_tasks", st.FreeTasks),
		)
	}
	return snaps
}

// NextRun returns the first activation of schedule after from.
func (r *StatsReporter) NextRun(from time.Time) (time.Time, error) {
	schedule, err := r.parser.Parse(r.schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stats schedule: %w", err)
	}
	return schedule.Next(from), nil
}
