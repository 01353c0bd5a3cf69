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

// Stats is the process-wide relay counter.
var Stats = &stats{}

type stats struct {
	TotalConns     atomic.Int64 // cumulative count of accepted clients since process start
	ClosedConns    atomic.Int64 // cumulative count of closed clients since process start
	FramesRelayed  atomic.Int64 // cumulative reliable frames fanned out
	PacketsRelayed atomic.Int64 // cumulative datagrams fanned out
	BytesRelayed   atomic.Int64 // cumulative payload bytes fanned out on both channels
}

func (s *stats) AddConn()        { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()     { s.ClosedConns.Add(1) }
func (s *stats) AddFrame(n int)  { s.FramesRelayed.Add(1); s.BytesRelayed.Add(int64(n)) }
func (s *stats) AddPacket(n int) { s.PacketsRelayed.Add(1); s.BytesRelayed.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. It stops when ctx is cancelled. Quiet intervals
// (no connection churn, negligible traffic) are not logged.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevBytes, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				bytes := Stats.BytesRelayed.Load()

				rate := float64(bytes-prevBytes) / 10.0
				inC := total - prevTotal
				outC := closed - prevClosed

				if inC > 0 || outC > 0 || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(rate, total-closed, inC, outC))
				}

				prevBytes = bytes
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate float64, live, inC, outC int64) string {
	return fmt.Sprintf("Relayed: %s/s | Clients: %2d (%2d↑ %2d↓)",
		formatBytes(rate),
		live,
		inC,
		outC,
	)
}
