// Package stats tracks per-run counters using lock-free atomics.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates run statistics. All methods are safe for concurrent
// use by transfer workers.
type Collector struct {
	candidates   atomic.Int64
	applied      atomic.Int64
	skipped      atomic.Int64
	failed       atomic.Int64
	bytesCopied  atomic.Int64
	verifyFailed atomic.Int64
	startTime    time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddCandidates(n int64)   { c.candidates.Add(n) }
func (c *Collector) AddApplied(n int64)      { c.applied.Add(n) }
func (c *Collector) AddSkipped(n int64)      { c.skipped.Add(n) }
func (c *Collector) AddFailed(n int64)       { c.failed.Add(n) }
func (c *Collector) AddBytesCopied(n int64)  { c.bytesCopied.Add(n) }
func (c *Collector) AddVerifyFailed(n int64) { c.verifyFailed.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	Candidates   int64
	Applied      int64
	Skipped      int64
	Failed       int64
	BytesCopied  int64
	VerifyFailed int64
	Elapsed      time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Candidates:   c.candidates.Load(),
		Applied:      c.applied.Load(),
		Skipped:      c.skipped.Load(),
		Failed:       c.failed.Load(),
		BytesCopied:  c.bytesCopied.Load(),
		VerifyFailed: c.verifyFailed.Load(),
		Elapsed:      time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"candidates=%d applied=%d skipped=%d failed=%d bytes=%d",
		s.Candidates, s.Applied, s.Skipped, s.Failed, s.BytesCopied,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
