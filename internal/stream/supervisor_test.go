package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/callstream/internal/domain"
)

type nextResult struct {
	ev  domain.Event
	err error
}

// scriptedSource feeds Next from a queue and answers Connect/Ping from
// per-call outcome lists (entries beyond the list mean success).
type scriptedSource struct {
	feed chan nextResult

	mu           sync.Mutex
	connects     []error
	pings        []error
	closed       chan struct{}
	connectCalls int
	nextEnters   int
	pingCalls    int
	closeCalls   int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		feed:   make(chan nextResult, 16),
		closed: make(chan struct{}),
	}
}

func (s *scriptedSource) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.connectCalls
	s.connectCalls++
	if i < len(s.connects) && s.connects[i] != nil {
		return s.connects[i]
	}
	s.closed = make(chan struct{})
	return nil
}

func (s *scriptedSource) Next(ctx context.Context) (domain.Event, error) {
	s.mu.Lock()
	s.nextEnters++
	closed := s.closed
	s.mu.Unlock()

	select {
	case r := <-s.feed:
		return r.ev, r.err
	case <-closed:
		return domain.Event{}, errors.New("source closed")
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

func (s *scriptedSource) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.pingCalls
	s.pingCalls++
	if i < len(s.pings) {
		return s.pings[i]
	}
	return nil
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func (s *scriptedSource) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

func (s *scriptedSource) nextEnterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextEnters
}

type recordingHandler struct {
	mu     sync.Mutex
	events []domain.Event
	gate   chan struct{}
}

func (h *recordingHandler) Handle(_ context.Context, ev domain.Event) error {
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestSupervisor(src Source, h EventHandler, cfg SupervisorConfig) (*Supervisor, *recordingSleeper) {
	sup := NewSupervisor(src, h, cfg, zerolog.Nop())
	sleeper := &recordingSleeper{}
	sup.sleep = sleeper.sleep
	sup.retry.Rand = func() float64 { return 0.5 } // jitter factor 1.0
	return sup, sleeper
}

func runSupervisor(t *testing.T, ctx context.Context, sup *Supervisor) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func TestSupervisorDeliversEvents(t *testing.T) {
	src := newScriptedSource()
	src.feed <- nextResult{ev: domain.Event{MessageID: 1, ChatID: -1}}
	src.feed <- nextResult{ev: domain.Event{MessageID: 2, ChatID: -1}}

	handler := &recordingHandler{}
	sup, _ := newTestSupervisor(src, handler, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(t, ctx, sup)

	require.Eventually(t, func() bool { return handler.count() == 2 },
		time.Second, time.Millisecond)
	assert.Equal(t, StateListening, sup.Status().State)

	cancel()
	assert.NoError(t, waitStopped(t, done))
	assert.Equal(t, StateDisconnected, sup.Status().State)
}

func TestSupervisorReconnectsWithBackoff(t *testing.T) {
	src := newScriptedSource()
	src.connects = []error{nil, errors.New("dial tcp: connection refused"), errors.New("dial tcp: connection refused"), nil}
	src.feed <- nextResult{ev: domain.Event{MessageID: 1, ChatID: -1}}
	src.feed <- nextResult{ev: domain.Event{MessageID: 2, ChatID: -1}}
	src.feed <- nextResult{err: errors.New("connection reset by peer")}
	src.feed <- nextResult{ev: domain.Event{MessageID: 3, ChatID: -1}}

	handler := &recordingHandler{}
	sup, sleeper := newTestSupervisor(src, handler, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(t, ctx, sup)

	require.Eventually(t, func() bool { return handler.count() == 3 },
		time.Second, time.Millisecond, "stream resumes after the reconnect")

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.recorded(),
		"pauses double per attempt")
	assert.Equal(t, 4, src.connectCount())
	assert.Equal(t, uint64(1), sup.Status().Reconnects, "one outage, one reconnect")

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestSupervisorAuthRejectionIsTerminal(t *testing.T) {
	src := newScriptedSource()
	src.connects = []error{&AuthError{Code: "AUTH_KEY_INVALID"}}

	sup, sleeper := newTestSupervisor(src, &recordingHandler{}, SupervisorConfig{})

	err := sup.Run(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "AUTH_KEY_INVALID", authErr.Code)
	assert.Equal(t, 1, src.connectCount(), "credential errors are not retried")
	assert.Empty(t, sleeper.recorded())
}

func TestSupervisorHonorsFloodWait(t *testing.T) {
	src := newScriptedSource()
	src.connects = []error{&FloodWaitError{RetryAfter: 42 * time.Second}, nil}

	handler := &recordingHandler{}
	sup, sleeper := newTestSupervisor(src, handler, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(t, ctx, sup)

	require.Eventually(t, func() bool { return src.connectCount() == 2 },
		time.Second, time.Millisecond)
	assert.Equal(t, []time.Duration{42 * time.Second}, sleeper.recorded(),
		"the gateway's wait is used verbatim, no jitter")

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	dialErr := errors.New("dial tcp: connection refused")
	src := newScriptedSource()
	src.connects = []error{dialErr, dialErr, dialErr}

	sup, sleeper := newTestSupervisor(src, &recordingHandler{}, SupervisorConfig{MaxAttempts: 3})

	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, dialErr)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, src.connectCount())
	assert.Len(t, sleeper.recorded(), 2, "no pause after the final attempt")
}

func TestSupervisorHealthCheckForcesReconnect(t *testing.T) {
	src := newScriptedSource()
	src.pings = []error{errors.New("broken pipe")}

	handler := &recordingHandler{}
	sup, _ := newTestSupervisor(src, handler, SupervisorConfig{HealthInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(t, ctx, sup)

	require.Eventually(t, func() bool { return src.connectCount() == 2 },
		time.Second, time.Millisecond, "failed probe tears the connection down")
	assert.Equal(t, uint64(1), sup.Status().Reconnects)

	cancel()
	assert.NoError(t, waitStopped(t, done))
}

func TestSupervisorDrainsBufferOnShutdown(t *testing.T) {
	src := newScriptedSource()
	for i := int64(1); i <= 5; i++ {
		src.feed <- nextResult{ev: domain.Event{MessageID: i, ChatID: -1}}
	}

	gate := make(chan struct{})
	handler := &recordingHandler{gate: gate}
	sup, _ := newTestSupervisor(src, handler, SupervisorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(t, ctx, sup)

	// Wait until the pump has parked in Next again (sixth entry), which
	// means the other four events all sit in the buffer while the handler
	// is stuck on the first.
	require.Eventually(t, func() bool { return src.nextEnterCount() == 6 },
		time.Second, time.Millisecond)

	cancel()
	close(gate)

	assert.NoError(t, waitStopped(t, done))
	assert.Equal(t, 5, handler.count(), "buffered events are handled before exit")
}

type blockingHandler struct {
	mu    sync.Mutex
	calls int
}

func (h *blockingHandler) Handle(ctx context.Context, _ domain.Event) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorDrainWindowBounds(t *testing.T) {
	handler := &blockingHandler{}
	sup, _ := newTestSupervisor(newScriptedSource(), handler, SupervisorConfig{DrainTimeout: 20 * time.Millisecond})

	events := make(chan domain.Event, 4)
	events <- domain.Event{MessageID: 1}
	events <- domain.Event{MessageID: 2}

	sup.drain(events)

	assert.Equal(t, 1, handler.calls, "first event consumed the whole window")
	assert.Len(t, events, 1, "the rest is abandoned")
}
