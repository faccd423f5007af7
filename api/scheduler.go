/*
scheduler.go - Cron-driven due-rule processing

PURPOSE:
  Stand-in for the external cron that invokes the processor. Runs one
  due-rule pass per cron tick and records each pass as a process run.

DESIGN:
  - robfig/cron schedule, evaluated in the configured time zone
  - SkipIfStillRunning: a slow pass delays the next tick instead of
    stacking up (overlap is still safe, the processor is idempotent)
  - Optional pass at start-up so a server that was down catches up. It
    shares the cron job's wrappers and Stop waits for it.
  - Records runs via Handler.RunProcess, same as the manual endpoint

CONFIGURATION:
  - Spec: standard 5-field cron expression (default "5 0 * * *")
  - Location: time zone for the cron and for "today"
  - Enabled: whether the scheduler is active (default: true)

USAGE:
  scheduler, err := NewProcessScheduler(handler, "5 0 * * *", time.UTC)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ProcessDue endpoint (manual trigger)
  - recurring/processor.go: Processor
*/
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ProcessScheduler runs the due-rule pass on a cron schedule.
type ProcessScheduler struct {
	Handler    *Handler
	Spec       string
	Enabled    bool
	RunOnStart bool

	cron    *cron.Cron
	job     cron.Job
	pending sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewProcessScheduler validates spec and creates a scheduler.
func NewProcessScheduler(h *Handler, spec string, loc *time.Location) (*ProcessScheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	c := cron.New(cron.WithLocation(loc))

	ps := &ProcessScheduler{
		Handler: h,
		Spec:    spec,
		Enabled: true,
		cron:    c,
	}
	ps.job = cron.NewChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	).Then(cron.FuncJob(ps.tick))
	if _, err := c.AddJob(spec, ps.job); err != nil {
		return nil, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return ps, nil
}

// Start begins the scheduler.
func (ps *ProcessScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if ps.started {
		return
	}

	ps.cron.Start()
	ps.started = true
	log.Printf("[Scheduler] Started with schedule %q", ps.Spec)

	if ps.RunOnStart {
		ps.pending.Add(1)
		go func() {
			defer ps.pending.Done()
			ps.job.Run()
		}()
	}
}

// Stop stops the scheduler and waits for running passes, including the
// start-up pass, to finish.
func (ps *ProcessScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.started {
		return
	}
	<-ps.cron.Stop().Done()
	ps.pending.Wait()
	ps.started = false
	log.Println("[Scheduler] Stopped")
}

// Next returns the time of the next scheduled pass, zero if not started.
func (ps *ProcessScheduler) Next() time.Time {
	entries := ps.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow executes one pass synchronously with the "schedule" trigger.
func (ps *ProcessScheduler) RunNow(ctx context.Context) error {
	run, err := ps.Handler.RunProcess(ctx, "schedule")
	if err != nil {
		log.Printf("[Scheduler] Pass %s failed: %v", run.ID, err)
		return err
	}
	log.Printf("[Scheduler] Pass %s as of %s: scanned=%d materialized=%d reconciled=%d deactivated=%d failed=%d",
		run.ID, run.AsOf, run.Result.Scanned, run.Result.Materialized,
		run.Result.Reconciled, run.Result.Deactivated, len(run.Result.Failures))
	return nil
}

func (ps *ProcessScheduler) tick() {
	ps.RunNow(context.Background())
}
