// util/util.go
// BSD licensed; see LICENSE for details.

package util

import (
	"sync/atomic"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// ProgressReporter

// ProgressFunc receives the current transfer rate and how much of the
// total work is done, in permille.
type ProgressFunc func(bytesPerSecond int64, permille int)

// ProgressReporter rate-limits progress callbacks: no matter how often
// Report is called, the callback fires at most once per Interval. Safe
// for concurrent use; interleaved reports may observe slightly stale
// totals, which is fine for advisory output.
type ProgressReporter struct {
	Interval time.Duration
	F        ProgressFunc

	start time.Time
	last  atomic.Int64 // unix nanos of the last callback
}

func NewProgressReporter(interval time.Duration, f ProgressFunc) *ProgressReporter {
	return &ProgressReporter{
		Interval: interval,
		F:        f,
		start:    time.Now(),
	}
}

// Report offers a progress update for done out of total bytes. It invokes
// the callback only if at least Interval has passed since the last one.
func (p *ProgressReporter) Report(done, total int64) {
	now := time.Now()
	last := p.last.Load()
	if now.UnixNano()-last < p.Interval.Nanoseconds() {
		return
	}
	if !p.last.CompareAndSwap(last, now.UnixNano()) {
		// Another caller just reported.
		return
	}

	elapsed := now.Sub(p.start)
	var rate int64
	if elapsed > 0 {
		rate = int64(float64(done) / elapsed.Seconds())
	}
	permille := 0
	if total > 0 {
		permille = int(done * 1000 / total)
	}
	p.F(rate, permille)
}
