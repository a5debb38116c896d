// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"runtime"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/resource"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Thresholds are the per-level trigger points. A level triggers when used
// heap exceeds its MB value or its percentage of the heap limit.
type Thresholds struct {
	WarningMB        float64
	CriticalMB       float64
	EmergencyMB      float64
	WarningPercent   float64
	CriticalPercent  float64
	EmergencyPercent float64
}

// DefaultThresholds returns 100/200/300 MB and 40/60/80 percent.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningMB:        100,
		CriticalMB:       200,
		EmergencyMB:      300,
		WarningPercent:   40,
		CriticalPercent:  60,
		EmergencyPercent: 80,
	}
}

// Classify returns the worst level m triggers.
func (t Thresholds) Classify(m Metrics) Level {
	mb, pct := m.UsedMB(), m.Percent()
	switch {
	case mb > t.EmergencyMB || pct > t.EmergencyPercent:
		return Emergency
	case mb > t.CriticalMB || pct > t.CriticalPercent:
		return Critical
	case mb > t.WarningMB || pct > t.WarningPercent:
		return Warning
	default:
		return Healthy
	}
}

// Config tunes a Monitor.
type Config struct {
	Interval      time.Duration // sampling period
	Thresholds    Thresholds
	MaxHistory    int
	HistoryMaxAge time.Duration
	PruneInterval time.Duration

	// LeakWindow samples are compared; growth above LeakGrowth is
	// reported as a suspected leak.
	LeakWindow int
	LeakGrowth float64

	// EmergencyKeep is how many samples survive an emergency cleanup.
	EmergencyKeep int
	TempPrefixes  []string

	// GCHint is called under critical and emergency pressure. Nil means
	// no hint is available.
	GCHint func()

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// DefaultConfig returns the stock monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Thresholds:    DefaultThresholds(),
		MaxHistory:    100,
		HistoryMaxAge: 30 * time.Minute,
		PruneInterval: time.Minute,
		LeakWindow:    5,
		LeakGrowth:    0.10,
		EmergencyKeep: 10,
		TempPrefixes:  DefaultTempPrefixes,
	}
}

// Scheduler runs repeating callbacks. *resource.Manager satisfies it.
type Scheduler interface {
	SetInterval(fn func(), interval time.Duration) resource.TimerID
	ClearTimer(id resource.TimerID) bool
}

// =============================================================================
// REPORT TYPES
// =============================================================================

// Notification is the payload of a memory-pressure event.
type Notification struct {
	Level     Level     `json:"level"`
	Data      Metrics   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Health is the result of CheckMemoryHealth.
type Health struct {
	Level   Level   `json:"level"`
	UsedMB  float64 `json:"used_mb"`
	Percent float64 `json:"percent"`
	Metrics Metrics `json:"metrics"`
}

// Report is a diagnostic snapshot.
type Report struct {
	Timestamp     time.Time `json:"timestamp"`
	Current       Metrics   `json:"current"`
	Level         Level     `json:"level"`
	Samples       int       `json:"samples"`
	PeakUsed      uint64    `json:"peak_used"`
	AverageUsed   uint64    `json:"average_used"`
	LeakSuspected bool      `json:"leak_suspected"`
	Goroutines    int       `json:"goroutines"`
	Listeners     int       `json:"listeners"`
	NumGC         uint32    `json:"num_gc"`
	Running       bool      `json:"running"`
	Cleanups      int       `json:"forced_cleanups"`
}

// =============================================================================
// MONITOR
// =============================================================================

// Monitor samples heap usage and reacts to pressure.
type Monitor struct {
	cfg       Config
	sampler   Sampler
	bus       *events.Bus
	scheduler Scheduler
	scratch   *Scratch
	log       logrus.FieldLogger

	mu        sync.Mutex
	history   []Metrics
	lastLevel Level
	leak      bool
	running   bool
	sampleID  resource.TimerID
	pruneID   resource.TimerID
	cleanups  int
}

// NewMonitor wires a monitor. bus and scratch may be nil; sampler nil
// selects RuntimeSampler and scheduler nil a private resource.Manager.
func NewMonitor(cfg Config, sampler Sampler, scheduler Scheduler, bus *events.Bus, scratch *Scratch) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = def.HistoryMaxAge
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	if cfg.LeakWindow < 2 {
		cfg.LeakWindow = def.LeakWindow
	}
	if cfg.LeakGrowth <= 0 {
		cfg.LeakGrowth = def.LeakGrowth
	}
	if cfg.EmergencyKeep <= 0 {
		cfg.EmergencyKeep = def.EmergencyKeep
	}
	if cfg.TempPrefixes == nil {
		cfg.TempPrefixes = def.TempPrefixes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logging.OrDiscard(cfg.Logger)
	if sampler == nil {
		sampler = RuntimeSampler{}
	}
	if scheduler == nil {
		scheduler = resource.NewManager(log)
	}

	return &Monitor{
		cfg:       cfg,
		sampler:   sampler,
		bus:       bus,
		scheduler: scheduler,
		scratch:   scratch,
		log:       log,
		sampleID:  resource.InvalidTimer,
		pruneID:   resource.InvalidTimer,
	}
}

// Start begins periodic sampling and history pruning. It takes one
// sample immediately. Starting a running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.Sample()

	sampleID := m.scheduler.SetInterval(func() { m.Sample() }, m.cfg.Interval)
	pruneID := m.scheduler.SetInterval(func() { m.PruneHistory() }, m.cfg.PruneInterval)

	m.mu.Lock()
	m.sampleID, m.pruneID = sampleID, pruneID
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"interval":   m.cfg.Interval,
		"warning_mb": m.cfg.Thresholds.WarningMB,
	}).Info("MEMORY_MONITOR_STARTED")
}

// Stop halts sampling. History is kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	sampleID, pruneID := m.sampleID, m.pruneID
	m.sampleID, m.pruneID = resource.InvalidTimer, resource.InvalidTimer
	m.mu.Unlock()

	m.scheduler.ClearTimer(sampleID)
	m.scheduler.ClearTimer(pruneID)
	m.log.Info("MEMORY_MONITOR_STOPPED")
}

// Sample records one reading and applies the action for its level.
func (m *Monitor) Sample() (Level, Metrics) {
	metrics, err := m.sampler.Sample()
	if err != nil {
		m.log.WithError(err).Warn("MEMORY_SAMPLE_FAILED")
		return Healthy, Metrics{}
	}
	if metrics.Timestamp.IsZero() {
		metrics.Timestamp = m.cfg.Now()
	}

	m.mu.Lock()
	m.history = append(m.history, metrics)
	m.capHistoryLocked()
	m.leak = m.detectLeakLocked()
	leak := m.leak
	m.lastLevel = m.cfg.Thresholds.Classify(metrics)
	level := m.lastLevel
	m.mu.Unlock()

	if leak {
		m.log.WithField("window", m.cfg.LeakWindow).Warn("MEMORY_LEAK_SUSPECTED")
	}

	fields := logrus.Fields{
		"level":   level.String(),
		"used_mb": int(metrics.UsedMB()),
		"percent": int(metrics.Percent()),
	}
	switch level {
	case Warning:
		m.log.WithFields(fields).Warn("MEMORY_PRESSURE")
	case Critical:
		m.log.WithFields(fields).Error("MEMORY_PRESSURE")
		m.gcHint()
	case Emergency:
		m.log.WithFields(fields).Error("MEMORY_PRESSURE")
		m.forceCleanup()
	}
	if level != Healthy {
		m.notify(level, metrics)
	}
	return level, metrics
}

// CheckMemoryHealth classifies a fresh reading without recording it or
// acting on it.
func (m *Monitor) CheckMemoryHealth() Health {
	metrics, err := m.sampler.Sample()
	if err != nil {
		m.mu.Lock()
		if n := len(m.history); n > 0 {
			metrics = m.history[n-1]
		}
		m.mu.Unlock()
	}
	return Health{
		Level:   m.cfg.Thresholds.Classify(metrics),
		UsedMB:  metrics.UsedMB(),
		Percent: metrics.Percent(),
		Metrics: metrics,
	}
}

// GenerateMemoryReport returns a snapshot of current usage and history.
func (m *Monitor) GenerateMemoryReport() Report {
	health := m.CheckMemoryHealth()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()

	report := Report{
		Timestamp:     m.cfg.Now(),
		Current:       health.Metrics,
		Level:         health.Level,
		Samples:       len(m.history),
		LeakSuspected: m.leak,
		Goroutines:    runtime.NumGoroutine(),
		NumGC:         ms.NumGC,
		Running:       m.running,
		Cleanups:      m.cleanups,
	}
	if len(m.history) > 0 {
		used := lo.Map(m.history, func(s Metrics, _ int) uint64 { return s.UsedHeap })
		report.PeakUsed = lo.Max(used)
		report.AverageUsed = lo.Sum(used) / uint64(len(used))
	}
	if m.bus != nil {
		report.Listeners = m.bus.ListenerCount("")
	}
	return report
}

// History returns a copy of the stored samples, oldest first.
func (m *Monitor) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.history...)
}

// LastLevel returns the level of the most recent sample.
func (m *Monitor) LastLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLevel
}

// PruneHistory drops samples older than HistoryMaxAge.
func (m *Monitor) PruneHistory() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.cfg.Now().Add(-m.cfg.HistoryMaxAge)
	before := len(m.history)
	m.history = lo.Filter(m.history, func(s Metrics, _ int) bool {
		return !s.Timestamp.Before(cutoff)
	})
	return before - len(m.history)
}

// =============================================================================
// INTERNALS
// =============================================================================

// capHistoryLocked keeps the newest 70% of MaxHistory plus an even sample
// of the older entries (must hold lock).
func (m *Monitor) capHistoryLocked() {
	limit := m.cfg.MaxHistory
	if len(m.history) <= limit {
		return
	}

	keepRecent := limit * 7 / 10
	sampleCount := limit - keepRecent

	older := m.history[:len(m.history)-keepRecent]
	recent := m.history[len(m.history)-keepRecent:]

	kept := make([]Metrics, 0, limit)
	if sampleCount > 0 && len(older) > 0 {
		step := float64(len(older)) / float64(sampleCount)
		for i := 0; i < sampleCount && int(float64(i)*step) < len(older); i++ {
			kept = append(kept, older[int(float64(i)*step)])
		}
	}
	kept = append(kept, recent...)
	m.history = kept
}

// detectLeakLocked compares the oldest and newest of the last LeakWindow
// samples (must hold lock).
func (m *Monitor) detectLeakLocked() bool {
	n := len(m.history)
	if n < m.cfg.LeakWindow {
		return false
	}
	window := m.history[n-m.cfg.LeakWindow:]
	first, last := window[0].UsedHeap, window[len(window)-1].UsedHeap
	if first == 0 || last <= first {
		return false
	}
	return float64(last-first)/float64(first) > m.cfg.LeakGrowth
}

func (m *Monitor) gcHint() {
	if m.cfg.GCHint == nil {
		return
	}
	m.cfg.GCHint()
	m.log.Debug("MEMORY_GC_HINT")
}

// forceCleanup runs the emergency pass: trim history, purge temp scratch
// entries, hint GC.
func (m *Monitor) forceCleanup() {
	m.mu.Lock()
	if len(m.history) > m.cfg.EmergencyKeep {
		m.history = append([]Metrics(nil), m.history[len(m.history)-m.cfg.EmergencyKeep:]...)
	}
	m.cleanups++
	m.mu.Unlock()

	purged := 0
	if m.scratch != nil {
		purged = m.scratch.PurgePrefixes(m.cfg.TempPrefixes...)
	}
	m.gcHint()

	m.log.WithField("purged", purged).Warn("MEMORY_FORCED_CLEANUP")
}

func (m *Monitor) notify(level Level, metrics Metrics) {
	if m.bus == nil {
		return
	}
	now := m.cfg.Now()
	m.bus.Dispatch(events.Event{
		Type:      events.TypeMemoryPressure,
		Data:      Notification{Level: level, Data: metrics, Timestamp: now},
		Timestamp: now,
	})
}
