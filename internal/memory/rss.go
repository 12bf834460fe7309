package memory

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/process"
)

// RSSSampler reads the resident set size of this process. Samples are
// observational: they feed logs and metrics, never the accountant.
type RSSSampler struct {
	proc *process.Process
	peak atomic.Uint64
}

// NewRSSSampler returns a sampler for the current process, or nil when the
// platform does not expose process statistics.
func NewRSSSampler() *RSSSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("RSS sampling unavailable.", "error", err)
		return nil
	}
	return &RSSSampler{proc: proc}
}

// Sample returns the current RSS in bytes, or 0 if it cannot be read.
func (s *RSSSampler) Sample(ctx context.Context) uint64 {
	if s == nil {
		return 0
	}
	info, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return 0
	}
	for {
		prev := s.peak.Load()
		if info.RSS <= prev || s.peak.CompareAndSwap(prev, info.RSS) {
			break
		}
	}
	return info.RSS
}

// Peak is the largest RSS sampled so far.
func (s *RSSSampler) Peak() uint64 {
	if s == nil {
		return 0
	}
	return s.peak.Load()
}

// GroupMemory is one per-group memory log record.
type GroupMemory struct {
	Group         int
	Units         int
	ReservedBytes int64
	PeakBytes     int64
	BudgetBytes   int64
	RSSBytes      uint64
}

// LogGroupMemory emits a structured memory line for a completed group.
func LogGroupMemory(ctx context.Context, logger *slog.Logger, entry GroupMemory) {
	if logger == nil {
		return
	}
	logger.DebugContext(ctx, "Group memory.",
		"group", entry.Group,
		"units", entry.Units,
		"reservedBytes", entry.ReservedBytes,
		"peakBytes", entry.PeakBytes,
		"budget", humanize.IBytes(uint64(entry.BudgetBytes)),
		"rss", humanize.IBytes(entry.RSSBytes),
	)
}
