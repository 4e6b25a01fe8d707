package dispatch

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"modelcall/internal/logging"
)

// ProgressSnapshot summarizes completions so far.
type ProgressSnapshot struct {
	Completed int
	Succeeded int
	Failed    int
	Elapsed   time.Duration
}

// SuccessRate returns Succeeded/Completed as a percentage.
func (s ProgressSnapshot) SuccessRate() float64 {
	if s.Completed == 0 {
		return 0
	}
	return float64(s.Succeeded) * 100 / float64(s.Completed)
}

// Throughput returns completions per second.
func (s ProgressSnapshot) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Seconds()
}

// Progress aggregates completions and logs a line every interval completions.
type Progress struct {
	logger   *slog.Logger
	interval int
	total    int
	start    time.Time
	now      func() time.Time

	snapshot ProgressSnapshot
	reported int
}

func newProgress(logger *slog.Logger, interval, total int, now func() time.Time) *Progress {
	if interval <= 0 {
		interval = 10
	}
	return &Progress{
		logger:   logging.NewComponentLogger(logger, "progress"),
		interval: interval,
		total:    total,
		start:    now(),
		now:      now,
	}
}

// Record counts one terminal item.
func (p *Progress) Record(succeeded bool) {
	p.snapshot.Completed++
	if succeeded {
		p.snapshot.Succeeded++
	} else {
		p.snapshot.Failed++
	}
	if p.snapshot.Completed-p.reported >= p.interval {
		p.emit("progress")
	}
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() ProgressSnapshot {
	snap := p.snapshot
	snap.Elapsed = p.now().Sub(p.start)
	return snap
}

// Finish logs any unreported tail and returns the final snapshot.
func (p *Progress) Finish() ProgressSnapshot {
	if p.snapshot.Completed > p.reported {
		p.emit("progress")
	}
	return p.Snapshot()
}

func (p *Progress) emit(msg string) {
	snap := p.Snapshot()
	p.reported = snap.Completed
	p.logger.Info(msg,
		logging.Int("completed", snap.Completed),
		logging.Int("total", p.total),
		logging.Int("succeeded", snap.Succeeded),
		logging.Int("failed", snap.Failed),
		logging.String("success_rate", formatPercent(snap.SuccessRate())),
		logging.Float64("per_second", roundTo(snap.Throughput(), 2)),
		logging.Duration("elapsed", snap.Elapsed),
	)
}

func formatPercent(value float64) string {
	return strconv.FormatFloat(value, 'f', 1, 64) + "%"
}

func roundTo(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(value*scale) / scale
}
