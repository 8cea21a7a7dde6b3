package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// degradedAfterRuns is how many fully-failed runs in a row mark the source as
// degraded in the ops trail.
const degradedAfterRuns = 3

// WorkerStatus summarizes the scrape worker for the health endpoint.
type WorkerStatus struct {
	Running             bool       `json:"running"`
	Runs                int64      `json:"runs"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// ScrapeWorker checks every watched section on a fixed interval, writing the
// results into the state store (whose feed drives the realtime bridge).
// Outbound fetches are paced so the worker stays polite to the source. Runs
// execute on a single goroutine and never overlap.
type ScrapeWorker struct {
	checker  SectionChecker
	states   *StateStore
	watches  *WatchStore
	events   *OpsEventStore
	interval time.Duration
	pacer    *rate.Limiter
	log      *logrus.Entry

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	runs        int64
	lastRun     time.Time
	consecFails int
}

// NewScrapeWorker wires the worker to its collaborators. rps caps outbound
// fetches per second.
func NewScrapeWorker(logger *logrus.Logger, checker SectionChecker, states *StateStore, watches *WatchStore, events *OpsEventStore, interval time.Duration, rps float64) *ScrapeWorker {
	return &ScrapeWorker{
		checker:  checker,
		states:   states,
		watches:  watches,
		events:   events,
		interval: interval,
		pacer:    rate.NewLimiter(rate.Limit(rps), 1),
		log:      logger.WithField("component", "scrape_worker"),
	}
}

// Start launches the scrape loop, running one pass immediately. Calling Start
// on a running worker is a no-op.
func (w *ScrapeWorker) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Debug("Scrape worker already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	w.log.WithField("interval", w.interval.String()).Info("Scrape worker started")
	go w.loop(ctx, done)
}

// Stop cancels the loop and waits for the current run to wind down, so a
// following Start never overlaps the old loop. Safe to call multiple times.
func (w *ScrapeWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.log.Info("Scrape worker stopped")
}

// Restart stops the loop, clears failure history, and starts it again. It is
// the recovery hook handed to the health monitor's unhealthy callback.
func (w *ScrapeWorker) Restart(reason string) {
	w.log.WithField("reason", reason).Warn("Restarting scrape worker")
	w.Stop()

	w.mu.Lock()
	w.consecFails = 0
	w.mu.Unlock()

	w.Start()
	workerRestartsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.events.Record(ctx, OpsEventWorkerRestart, reason); err != nil {
		w.log.WithError(err).Warn("Failed to record worker restart event")
	}
}

// Status reports the worker's current shape for /health.
func (w *ScrapeWorker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := WorkerStatus{
		Running:             w.running,
		Runs:                w.runs,
		ConsecutiveFailures: w.consecFails,
	}
	if !w.lastRun.IsZero() {
		t := w.lastRun
		status.LastRun = &t
	}
	return status
}

func (w *ScrapeWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce checks every active watch. A run aborted by Stop does not count
// toward run or failure totals.
func (w *ScrapeWorker) runOnce(ctx context.Context) {
	sections, err := w.watches.ActiveSections(ctx)
	if err != nil {
		w.log.WithError(err).Error("Failed to list watched sections")
		return
	}
	if len(sections) == 0 {
		w.log.Debug("No active watches, skipping run")
		return
	}

	failures := 0
	for _, sectionID := range sections {
		if err := w.pacer.Wait(ctx); err != nil {
			return
		}
		if err := w.checkSection(ctx, sectionID); err != nil {
			failures++
			scrapeSectionFailures.Inc()
			w.log.WithFields(logrus.Fields{
				"section_id": sectionID,
			}).WithError(err).Warn("Section check failed")
		}
	}

	scrapeRunsTotal.Inc()

	w.mu.Lock()
	w.runs++
	w.lastRun = time.Now().UTC()
	if failures == len(sections) {
		w.consecFails++
	} else {
		w.consecFails = 0
	}
	degraded := w.consecFails == degradedAfterRuns
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"sections": len(sections),
		"failures": failures,
	}).Debug("Scrape run complete")

	if degraded {
		detail := fmt.Sprintf("all %d section checks failed in %d consecutive runs", len(sections), degradedAfterRuns)
		w.log.WithField("consecutive_runs", degradedAfterRuns).Error("Scrape source appears unreachable")
		if err := w.events.Record(ctx, OpsEventScrapeDegraded, detail); err != nil {
			w.log.WithError(err).Warn("Failed to record degraded event")
		}
	}
}

func (w *ScrapeWorker) checkSection(ctx context.Context, sectionID string) error {
	state, err := w.checker.Fetch(ctx, sectionID)
	if err != nil {
		return err
	}
	if state == nil {
		// Source no longer lists the section; drop our mirror of it.
		return w.states.DeleteState(ctx, sectionID)
	}

	state.CheckedAt = time.Now().UTC()
	return w.states.UpsertState(ctx, state)
}
