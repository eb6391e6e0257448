package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/metrics"
	"github.com/sawpanic/callstream/internal/net/backoff"
)

// State is the supervisor's connection lifecycle phase.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateListening     State = "listening"
	StateDraining      State = "draining"
)

// EventHandler consumes one inbound event. Handle errors are logged and
// never terminate the stream.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// SupervisorConfig bounds the reconnect loop and the shutdown drain.
type SupervisorConfig struct {
	MaxAttempts    int
	HealthInterval time.Duration
	DrainTimeout   time.Duration
	QueueSize      int
}

// DefaultSupervisorConfig matches the operational envelope the pipeline
// is run with: five dial attempts, five-minute liveness probes, and a
// thirty-second drain window on shutdown.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxAttempts:    5,
		HealthInterval: 5 * time.Minute,
		DrainTimeout:   30 * time.Second,
		QueueSize:      256,
	}
}

// Status is the snapshot served by the ops endpoint.
type Status struct {
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
	Reconnects uint64    `json:"reconnects"`
	LastError  string    `json:"last_error,omitempty"`
}

// Supervisor owns the gateway connection: it authenticates, pumps events
// into the handler, reconnects with exponential backoff, and drains the
// buffer on shutdown. Credential rejections are terminal; everything else
// is retried up to MaxAttempts per outage.
type Supervisor struct {
	source  Source
	handler EventHandler
	cfg     SupervisorConfig
	retry   backoff.Policy
	sleep   func(ctx context.Context, d time.Duration) error
	log     zerolog.Logger

	reconnects atomic.Uint64

	mu      sync.Mutex
	state   State
	since   time.Time
	lastErr string
}

// NewSupervisor wires a source to a handler. Zero config fields take the
// defaults.
func NewSupervisor(source Source, handler EventHandler, cfg SupervisorConfig, logger zerolog.Logger) *Supervisor {
	def := DefaultSupervisorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	s := &Supervisor{
		source:  source,
		handler: handler,
		cfg:     cfg,
		retry:   backoff.Policy{MaxAttempts: cfg.MaxAttempts, Base: 2 * time.Second, Cap: 64 * time.Second},
		state:   StateDisconnected,
		since:   time.Now(),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log = logger.With().
		Str("component", "supervisor").
		Str("session_id", uuid.New().String()[:8]).
		Logger()
	return s
}

// Run drives the connection until the context ends or the credential is
// rejected. A clean shutdown returns nil after draining; exhausted
// reconnect attempts and auth rejections return their error.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)
	defer s.source.Close()

	for {
		if err := s.connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		err := s.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.source.Close()
		s.recordError(err)
		s.reconnects.Add(1)
		metrics.Reconnect()
		s.log.Warn().Err(err).Msg("connection lost; reconnecting")
	}
}

// connect runs the dial loop: up to MaxAttempts, pausing 2^k seconds with
// jitter before attempt k+1. A flood wait from the gateway replaces the
// computed pause verbatim.
func (s *Supervisor) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.source.Connect(ctx)
		if err == nil {
			s.setState(StateAuthenticated)
			return nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			s.recordError(err)
			s.log.Error().
				Str("code", authErr.Code).
				Msg("credential rejected; refresh the session and restart")
			return err
		}
		lastErr = err

		if attempt == s.cfg.MaxAttempts {
			break
		}

		delay := s.retry.Delay(attempt)
		var flood *FloodWaitError
		if errors.As(err, &flood) {
			delay = flood.RetryAfter
			s.log.Warn().Dur("wait", delay).Msg("gateway flood wait")
		} else {
			s.log.Warn().Err(err).
				Dur("backoff", delay).
				Int("attempt", attempt).
				Msg("connect failed")
		}
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}

	s.recordError(lastErr)
	return fmt.Errorf("failed to connect after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// listen pumps events through the handler until the transport fails, a
// health probe fails, or the context ends. On shutdown the buffered
// events are drained; on transport failure they are flushed before the
// reconnect so accepted events are not lost.
func (s *Supervisor) listen(ctx context.Context) error {
	s.setState(StateListening)

	events := make(chan domain.Event, s.cfg.QueueSize)
	errc := make(chan error, 1)
	go s.pump(ctx, events, errc)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.source.Close()
			s.drain(events)
			return ctx.Err()

		case err := <-errc:
			s.flush(ctx, events)
			return err

		case ev := <-events:
			metrics.SetQueueDepth(len(events))
			s.handle(ctx, ev)

		case <-ticker.C:
			if err := s.source.Ping(ctx); err != nil {
				s.source.Close()
				s.flush(ctx, events)
				return fmt.Errorf("health check failed: %w", err)
			}
		}
	}
}

func (s *Supervisor) pump(ctx context.Context, events chan<- domain.Event, errc chan<- error) {
	for {
		ev, err := s.source.Next(ctx)
		if err != nil {
			errc <- err
			return
		}
		select {
		case events <- ev:
			metrics.SetQueueDepth(len(events))
		case <-ctx.Done():
			return
		}
	}
}

// drain empties the buffer after intake has stopped, bounded by the
// drain window. Whatever is still queued when the window closes is
// abandoned and will be picked up by backfill.
func (s *Supervisor) drain(events chan domain.Event) {
	s.setState(StateDraining)

	if len(events) == 0 {
		return
	}
	s.log.Info().Int("pending", len(events)).Msg("draining buffered events")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	for {
		if ctx.Err() != nil {
			s.log.Warn().Int("abandoned", len(events)).Msg("drain window elapsed")
			return
		}
		select {
		case ev := <-events:
			s.handle(ctx, ev)
			metrics.SetQueueDepth(len(events))
		case <-ctx.Done():
		default:
			return
		}
	}
}

// flush processes everything already buffered before a reconnect.
func (s *Supervisor) flush(ctx context.Context, events chan domain.Event) {
	for {
		select {
		case ev := <-events:
			s.handle(ctx, ev)
			metrics.SetQueueDepth(len(events))
		default:
			return
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev domain.Event) {
	if err := s.handler.Handle(ctx, ev); err != nil {
		// The handler logs its own failures in detail.
		s.log.Debug().Err(err).
			Int64("chat_id", ev.ChatID).
			Int64("message_id", ev.MessageID).
			Msg("event abandoned")
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	s.since = time.Now()
}

func (s *Supervisor) recordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err.Error()
}

// Status snapshots the connection state for the ops endpoint.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.state,
		Since:      s.since,
		Reconnects: s.reconnects.Load(),
		LastError:  s.lastErr,
	}
}
