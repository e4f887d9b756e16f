package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay counter set.
var Stats = &stats{}

type stats struct {
	Joined    atomic.Int64 // cumulative client sessions opened
	Left      atomic.Int64 // cumulative client sessions removed
	Routed    atomic.Int64 // frames enqueued to a target link
	Dropped   atomic.Int64 // frames dropped: unknown target or queue overflow
	Malformed atomic.Int64 // inbound frames rejected by the codec
}

func (s *stats) AddJoin()      { s.Joined.Add(1) }
func (s *stats) AddLeave()     { s.Left.Add(1) }
func (s *stats) AddRouted()    { s.Routed.Add(1) }
func (s *stats) AddDropped()   { s.Dropped.Add(1) }
func (s *stats) AddMalformed() { s.Malformed.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Joined, Left, Routed, Dropped, Malformed int64
}

// Snapshot reads all counters.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Joined:    s.Joined.Load(),
		Left:      s.Left.Load(),
		Routed:    s.Routed.Load(),
		Dropped:   s.Dropped.Load(),
		Malformed: s.Malformed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval, but only when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns the delta between two snapshots plus the live session count.
func formatStats(prev, cur Snapshot) string {
	return fmt.Sprintf("Clients: %3d live | Conn: %2d↑ %2d↓ | Frames: %5d routed %4d dropped %3d malformed",
		cur.Joined-cur.Left,
		cur.Joined-prev.Joined,
		cur.Left-prev.Left,
		cur.Routed-prev.Routed,
		cur.Dropped-prev.Dropped,
		cur.Malformed-prev.Malformed,
	)
}
