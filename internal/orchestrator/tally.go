package orchestrator

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/salevine/scrape-edu/internal/crawler"
)

// tally aggregates outcomes across workers and prints one line per finished
// entity. Printing never affects the ledger.
type tally struct {
	mu    sync.Mutex
	out   io.Writer
	clock crawler.Clock
	start time.Time
	total int
	sum   Summary
}

func newTally(out io.Writer, clock crawler.Clock, start time.Time) *tally {
	return &tally{out: out, clock: clock, start: start}
}

func (t *tally) setTotal(n int) {
	t.mu.Lock()
	t.total = n
	t.mu.Unlock()
}

func (t *tally) skip() {
	t.mu.Lock()
	t.sum.Skipped++
	t.mu.Unlock()
}

func (t *tally) interrupt() {
	t.mu.Lock()
	t.sum.Interrupted++
	t.mu.Unlock()
}

func (t *tally) finish(slug string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := "Failed"
	if success {
		t.sum.Completed++
		status = "Completed"
	} else {
		t.sum.Failed++
	}
	finished := t.sum.Completed + t.sum.Failed
	fmt.Fprintf(t.out, "[%d/%d] %s %s (elapsed: %s) | done: %d, failed: %d, remaining: %d\n",
		finished, t.total, status, slug,
		FormatElapsed(t.clock.Now().Sub(t.start)),
		t.sum.Completed, t.sum.Failed, t.total-finished,
	)
}

func (t *tally) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *tally) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

// FormatElapsed renders d truncated to whole seconds as 5s, 1m 23s or
// 1h 05m 30s.
func FormatElapsed(d time.Duration) string {
	secs := int(d / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	mins, secs := secs/60, secs%60
	if mins < 60 {
		return fmt.Sprintf("%dm %02ds", mins, secs)
	}
	return fmt.Sprintf("%dh %02dm %02ds", mins/60, mins%60, secs)
}
