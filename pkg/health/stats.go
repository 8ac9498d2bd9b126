// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/ldhook/pkg/build"
)

// Stats tracks counters for a supervised command.
type Stats struct {
	startTime time.Time

	Starts         atomic.Int64
	Restarts       atomic.Int64
	ReloadFailures atomic.Int64
	ChildPID       atomic.Int64

	mu     sync.RWMutex
	build  func() build.Snapshot
	events func() (received, exported, dropped int64)
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns the supervisor uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// SetBuildSource registers where orchestrator counters come from.
func (s *Stats) SetBuildSource(fn func() build.Snapshot) {
	s.mu.Lock()
	s.build = fn
	s.mu.Unlock()
}

// SetEventSource registers where exported event counters come from.
func (s *Stats) SetEventSource(fn func() (received, exported, dropped int64)) {
	s.mu.Lock()
	s.events = fn
	s.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds  float64
	Goroutines     int
	MemoryBytes    uint64
	ChildPID       int64
	Starts         int64
	Restarts       int64
	ReloadFailures int64
	Build          build.Snapshot
	EventsReceived int64
	EventsExported int64
	EventsDropped  int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := Snapshot{
		UptimeSeconds:  s.Uptime().Seconds(),
		Goroutines:     runtime.NumGoroutine(),
		MemoryBytes:    memStats.Sys,
		ChildPID:       s.ChildPID.Load(),
		Starts:         s.Starts.Load(),
		Restarts:       s.Restarts.Load(),
		ReloadFailures: s.ReloadFailures.Load(),
	}

	s.mu.RLock()
	buildFn, eventsFn := s.build, s.events
	s.mu.RUnlock()

	if buildFn != nil {
		snap.Build = buildFn()
	}
	if eventsFn != nil {
		snap.EventsReceived, snap.EventsExported, snap.EventsDropped = eventsFn()
	}
	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "ldhook_uptime_seconds", "gauge", "Supervisor uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "ldhook_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "ldhook_memory_bytes", "gauge", "Memory obtained from the OS in bytes", float64(snap.MemoryBytes))
	b = appendMetric(b, "ldhook_child_pid", "gauge", "PID of the running command, 0 when stopped", float64(snap.ChildPID))
	b = appendMetric(b, "ldhook_command_starts_total", "counter", "Total command launches", float64(snap.Starts))
	b = appendMetric(b, "ldhook_command_restarts_total", "counter", "Total restarts after a hook file change", float64(snap.Restarts))
	b = appendMetric(b, "ldhook_reload_failures_total", "counter", "Total hook file reloads that failed to build", float64(snap.ReloadFailures))
	b = appendMetric(b, "ldhook_builds_total", "counter", "Total compiler invocations", float64(snap.Build.Builds))
	b = appendMetric(b, "ldhook_build_failures_total", "counter", "Total failed builds", float64(snap.Build.Failures))
	b = appendMetric(b, "ldhook_build_cache_hits_total", "counter", "Total builds served from a snapshot", float64(snap.Build.CacheHits))
	b = appendMetric(b, "ldhook_build_lock_waits_total", "counter", "Total builds that waited for the build lock", float64(snap.Build.Waits))
	b = appendMetric(b, "ldhook_events_received_total", "counter", "Total events received from hooked processes", float64(snap.EventsReceived))
	b = appendMetric(b, "ldhook_events_exported_total", "counter", "Total events exported", float64(snap.EventsExported))
	b = appendMetric(b, "ldhook_events_dropped_total", "counter", "Total events dropped", float64(snap.EventsDropped))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
