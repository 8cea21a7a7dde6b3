package main

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthMonitor samples process memory on a fixed interval and compares the
// two most recent samples. Sustained resident growth above the configured
// rate triggers the unhealthy callback so the caller can shed state before
// the process is killed.
type HealthMonitor struct {
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	interval  time.Duration
	threshold float64
	log       *logrus.Entry

	sample      func() HealthMetrics
	onUnhealthy func(reason string, metrics HealthMetrics)

	latest *HealthMetrics
}

// NewHealthMonitor creates a monitor that samples via the given source every
// interval and flags growth above thresholdMBPerMin. The callback may be nil.
func NewHealthMonitor(logger *logrus.Logger, interval time.Duration, thresholdMBPerMin float64, sample func() HealthMetrics, onUnhealthy func(reason string, metrics HealthMetrics)) *HealthMonitor {
	return &HealthMonitor{
		interval:    interval,
		threshold:   thresholdMBPerMin,
		log:         logger.WithField("component", "health"),
		sample:      sample,
		onUnhealthy: onUnhealthy,
	}
}

// Start launches the sampling loop. Calling Start on a running monitor is a
// logged no-op. The first sample only establishes a baseline; growth is
// evaluated from the second sample on.
func (m *HealthMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Debug("Health monitor already running")
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stopChan, m.done
	m.mu.Unlock()

	m.log.WithField("interval", m.interval.String()).Info("Health monitor started")
	go m.loop(stop, done)
}

// Stop halts the sampling loop and waits for an in-flight tick to finish, so
// the unhealthy callback cannot fire after Stop returns. Safe to call
// multiple times.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stopChan, m.done
	m.mu.Unlock()

	close(stop)
	<-done
	m.log.Info("Health monitor stopped")
}

func (m *HealthMonitor) loop(stop, done chan struct{}) {
	defer close(done)

	m.tick()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *HealthMonitor) tick() {
	metrics := m.sample()

	m.mu.Lock()
	prev := m.latest
	m.latest = &metrics
	m.mu.Unlock()

	memoryResidentBytes.Set(float64(metrics.Memory.Resident))
	memoryHeapUsedBytes.Set(float64(metrics.Memory.HeapUsed))
	memoryHeapTotalBytes.Set(float64(metrics.Memory.HeapTotal))

	if prev == nil {
		return
	}

	growth := growthMBPerMin(*prev, metrics)
	memoryGrowthMBPerMin.Set(growth)

	if growth > m.threshold {
		leakWarningsTotal.Inc()
		reason := fmt.Sprintf("resident memory growing %.1f MB/min (threshold %.1f)", growth, m.threshold)
		m.log.WithFields(logrus.Fields{
			"growth_mb_min": growth,
			"resident":      metrics.Memory.Resident,
		}).Warn("Possible memory leak detected")
		m.notify(reason, metrics)
	}
}

func (m *HealthMonitor) notify(reason string, metrics HealthMetrics) {
	if m.onUnhealthy == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("panic", r).Error("Unhealthy callback panicked")
		}
	}()
	m.onUnhealthy(reason, metrics)
}

// Snapshot returns the most recent sample, taking one on demand if the
// monitor has not run yet.
func (m *HealthMonitor) Snapshot() HealthMetrics {
	m.mu.Lock()
	latest := m.latest
	m.mu.Unlock()

	if latest != nil {
		return *latest
	}
	return m.sample()
}

// IsHealthy reports whether resident memory sits within 80% of the given
// budget. It samples on demand and does not consult growth history.
func (m *HealthMonitor) IsHealthy(budgetBytes uint64) bool {
	metrics := m.sample()
	return float64(metrics.Memory.Resident) <= 0.8*float64(budgetBytes)
}

func growthMBPerMin(prev, cur HealthMetrics) float64 {
	elapsed := cur.CapturedAt.Sub(prev.CapturedAt).Minutes()
	if elapsed <= 0 {
		return 0
	}
	delta := float64(cur.Memory.Resident) - float64(prev.Memory.Resident)
	return delta / (1024 * 1024) / elapsed
}

// runtimeMetricsSource samples the Go runtime. Resident approximates the
// process footprint with the bytes obtained from the OS; External covers
// what the runtime holds outside the heap (stacks, GC metadata).
func runtimeMetricsSource(start time.Time, clock func() time.Time) func() HealthMetrics {
	return func() HealthMetrics {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		now := clock()
		return HealthMetrics{
			Memory: MemoryStats{
				Resident:  ms.Sys,
				HeapUsed:  ms.HeapAlloc,
				HeapTotal: ms.HeapSys,
				External:  ms.Sys - ms.HeapSys,
			},
			UptimeSeconds: now.Sub(start).Seconds(),
			CapturedAt:    now,
		}
	}
}
