package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"halcyon/internal/ports"
)

// idleBucketTTL bounds how long an idle rate-limit bucket is kept before the
// periodic sweep reclaims it (spec §4.9: "a periodic cleanup that removes
// idle buckets to bound memory").
const idleBucketTTL = 10 * time.Minute

// taskRunner arms the periodic tasks named in spec §5's startup sequence:
// approval expiry (owned by approval.Queue itself), memory decay/cleanup,
// calendar sync, reminder tick, morning briefing, cache sweep, and
// rate-limit bucket reclamation. One robfig/cron instance per Root, matching
// the teacher's own scheduler idiom (internal/app/scheduler.go: one cron.Cron
// per job-owning service, cron.SkipIfStillRunning guarding every entry).
type taskRunner struct {
	root *Root
	cron *cron.Cron
}

func newTaskRunner(root *Root) *taskRunner {
	return &taskRunner{
		root: root,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
}

// Start arms every periodic task and begins running them. Call once after
// New; safe to call again only after Stop.
func (t *taskRunner) Start(ctx context.Context) error {
	r := t.root
	logger := r.Logger.With("component", "app.tasks")

	if err := r.Approvals.Start(ctx); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}

	if _, err := t.cron.AddFunc(cronEvery(5*time.Minute), func() {
		if _, err := r.Cache.Sweep(ctx); err != nil {
			logger.Warn("cache sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("arm cache sweep: %w", err)
	}

	if _, err := t.cron.AddFunc(cronEvery(idleBucketTTL), func() {
		removed := r.RateLimiter.Sweep(r.Clock.Now())
		if removed > 0 {
			logger.Info("swept %d idle rate-limit buckets", removed)
		}
	}); err != nil {
		return fmt.Errorf("arm rate-limit sweep: %w", err)
	}

	if r.Config.Memory.Enabled {
		decayEvery := 1 * time.Hour
		if _, err := t.cron.AddFunc(cronEvery(decayEvery), func() {
			t.runMemoryMaintenance(ctx, logger)
		}); err != nil {
			return fmt.Errorf("arm memory decay: %w", err)
		}
	}

	if r.Ports.Calendar != nil {
		if _, err := t.cron.AddFunc(cronEvery(r.Config.Reminder.SyncInterval), func() {
			t.runCalendarSync(ctx, logger)
		}); err != nil {
			return fmt.Errorf("arm calendar sync: %w", err)
		}
	}

	if _, err := t.cron.AddFunc(cronEvery(r.Config.Reminder.TickInterval), func() {
		if err := r.Reminders.Tick(ctx); err != nil {
			logger.Warn("reminder tick failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("arm reminder tick: %w", err)
	}

	if briefingCron, ok := briefingCronExpr(r.Config.Reminder.BriefingTime); ok {
		if _, err := t.cron.AddFunc(briefingCron, func() {
			t.runBriefing(ctx, logger)
		}); err != nil {
			return fmt.Errorf("arm briefing: %w", err)
		}
	}

	t.cron.Start()
	return nil
}

// Stop drains the cron scheduler, bounded by ctx, then stops the approval
// sweeper (spec §5 shutdown: "waits up to the configured drain deadline").
func (t *taskRunner) Stop(ctx context.Context) {
	stopCtx := t.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	t.root.Approvals.Stop()
}

func (t *taskRunner) runMemoryMaintenance(ctx context.Context, logger interface {
	Warn(string, ...any)
	Info(string, ...any)
}) {
	r := t.root
	for _, owner := range r.principals {
		if err := r.Memory.Decay(ctx, owner, nil); err != nil {
			logger.Warn("memory decay failed for owner %s: %v", owner, err)
		}
	}
	n, err := r.Memory.Cleanup(ctx)
	if err != nil {
		logger.Warn("memory cleanup failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("memory cleanup removed %d low-importance records", n)
	}
}

func (t *taskRunner) runCalendarSync(ctx context.Context, logger interface {
	Warn(string, ...any)
	Info(string, ...any)
}) {
	r := t.root
	now := r.Clock.Now()
	window := ports.TimeRange{From: now, To: now.Add(7 * 24 * time.Hour)}
	for _, owner := range r.principals {
		if err := r.Reminders.SyncCalendar(ctx, owner, window); err != nil {
			logger.Warn("calendar sync failed for owner %s: %v", owner, err)
		}
	}
}

func (t *taskRunner) runBriefing(ctx context.Context, logger interface {
	Warn(string, ...any)
	Info(string, ...any)
}) {
	r := t.root
	for _, owner := range r.principals {
		text, err := r.Reminders.Briefing(ctx, owner, "")
		if err != nil {
			logger.Warn("briefing failed for owner %s: %v", owner, err)
			continue
		}
		if r.Ports.Messenger != nil {
			if err := r.Ports.Messenger.SendText(ctx, owner, text); err != nil {
				logger.Warn("briefing dispatch failed for owner %s: %v", owner, err)
			}
		}
	}
}

// Start arms the periodic tasks of spec §5 and begins running them.
func (r *Root) Start(ctx context.Context) error {
	return r.tasks.Start(ctx)
}

// Shutdown signals all periodic tasks, waits up to ctx's deadline to drain
// them, then closes durable storage and the tracer provider (spec §5).
func (r *Root) Shutdown(ctx context.Context) error {
	r.tasks.Stop(ctx)
	if r.Tracing != nil {
		_ = r.Tracing.Shutdown(ctx)
	}
	return r.DB.Close()
}

// cronEvery renders a robfig/cron "@every" expression for d, which is what
// every fixed-interval periodic task in this package uses (the teacher's own
// scheduler idiom, internal/app/scheduler.go).
func cronEvery(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %s", d)
}

// briefingCronExpr turns an "HH:MM" wall-clock string into a daily cron
// expression. Returns ok=false for an empty or malformed configuration,
// disabling the briefing task rather than guessing a time.
func briefingCronExpr(hhmm string) (string, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return "", false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%d %d * * *", m, h), true
}
