package persistence

import (
	"sync"
	"time"
)

// sinkHealth tracks write outcomes for one sink. A sink is healthy while it
// is active and its most recent write succeeded.
type sinkHealth struct {
	mu          sync.Mutex
	name        string
	active      bool
	successes   uint64
	failures    uint64
	consecutive uint64
	lastErr     string
	lastErrAt   time.Time
	lastOKAt    time.Time
}

func newSinkHealth(name string) *sinkHealth {
	return &sinkHealth{name: name, active: true}
}

func (h *sinkHealth) success() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
	h.consecutive = 0
	h.lastOKAt = time.Now()
}

func (h *sinkHealth) failure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.consecutive++
	h.lastErr = err.Error()
	h.lastErrAt = time.Now()
}

func (h *sinkHealth) snapshot() SinkStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SinkStatus{
		Name:                h.name,
		Active:              h.active,
		Healthy:             h.active && h.consecutive == 0,
		Successes:           h.successes,
		Failures:            h.failures,
		ConsecutiveFailures: h.consecutive,
		LastError:           h.lastErr,
		LastErrorAt:         h.lastErrAt,
		LastSuccessAt:       h.lastOKAt,
	}
}
