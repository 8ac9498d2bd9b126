// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package build

import (
	"sync/atomic"
	"time"
)

// Stats tracks orchestrator counters.
type Stats struct {
	startTime time.Time

	Builds    atomic.Int64
	Failures  atomic.Int64
	CacheHits atomic.Int64
	Waits     atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	UptimeSeconds float64
	Builds        int64
	Failures      int64
	CacheHits     int64
	Waits         int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Builds:        s.Builds.Load(),
		Failures:      s.Failures.Load(),
		CacheHits:     s.CacheHits.Load(),
		Waits:         s.Waits.Load(),
	}
}
