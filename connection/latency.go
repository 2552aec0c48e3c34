package connection

import (
	"sync"
	"time"
)

const latencyWindowSize = 100

// latencyWindow keeps the last latencyWindowSize command durations and
// reports their simple moving average
type latencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	next    int
	count   int
	sum     time.Duration
}

func (w *latencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == latencyWindowSize {
		w.sum -= w.samples[w.next]
	} else {
		w.count++
	}
	w.samples[w.next] = d
	w.sum += d
	w.next = (w.next + 1) % latencyWindowSize
}

// Average returns the mean of the retained samples, or 0 with none
func (w *latencyWindow) Average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count == 0 {
		return 0
	}
	return w.sum / time.Duration(w.count)
}

func (w *latencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
