// Package reconnect schedules session recovery attempts with exponential
// backoff and jitter, so that many clients failing at once do not retry in
// lockstep.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Config is the backoff policy.
type Config struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
	MaxAttempts  int
	// MinSpacing rejects a new schedule arriving too soon after the
	// previous one, which blocks crash/reconnect/crash flapping loops.
	MinSpacing time.Duration
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:    5 * time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2,
		JitterFactor: 0.1,
		MaxAttempts:  10,
		MinSpacing:   2 * time.Second,
	}
}

func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxDelay
	b.RandomizationFactor = c.JitterFactor
	b.MaxElapsedTime = 0 // attempts are bounded by count, not wall time
	b.Reset()
	return b
}

// RecoverFunc performs one reconnection attempt.
type RecoverFunc func(ctx context.Context) error

// Scheduled describes an armed reconnection attempt.
type Scheduled struct {
	Attempt int
	Delay   time.Duration
}

// Status is the externally visible reconnection state for one client.
type Status struct {
	Attempts     int       `json:"attempts"`
	MaxAttempts  int       `json:"max_attempts"`
	HasScheduled bool      `json:"has_scheduled"`
	LastAttempt  time.Time `json:"last_attempt"`
	CanReconnect bool      `json:"can_reconnect"`
}

type record struct {
	attempts    int
	lastAttempt time.Time
	timer       *time.Timer
	gen         int // bumped on cancel; stale timers check it and bail
	back        *backoff.ExponentialBackOff
}

// Scheduler arms at most one reconnection timer per client.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*record
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler with the given policy.
func NewScheduler(cfg Config, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		records: make(map[string]*record),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule arms a reconnection attempt for the client, replacing any pending
// one. Returns nil when attempts are exhausted or when called again within
// MinSpacing of the previous attempt. On failure of recover the attempt is
// rescheduled under the same policy; exhaustion goes silent and must be
// observed via Status.
func (s *Scheduler) Schedule(clientID string, recover RecoverFunc) *Scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[clientID]
	if !ok {
		rec = &record{back: s.cfg.newBackOff()}
		s.records[clientID] = rec
	}

	if rec.attempts >= s.cfg.MaxAttempts {
		return nil
	}
	if !rec.lastAttempt.IsZero() && time.Since(rec.lastAttempt) < s.cfg.MinSpacing {
		return nil
	}

	rec.attempts++
	rec.lastAttempt = time.Now()

	delay := rec.back.NextBackOff()
	if delay == backoff.Stop {
		return nil
	}

	if rec.timer != nil {
		rec.timer.Stop()
	}
	rec.gen++
	gen := rec.gen
	attempt := rec.attempts
	rec.timer = time.AfterFunc(delay, func() {
		s.fire(clientID, gen, recover)
	})

	s.logger.Info("reconnection scheduled",
		zap.String("client", clientID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	return &Scheduled{Attempt: attempt, Delay: delay}
}

func (s *Scheduler) fire(clientID string, gen int, recover RecoverFunc) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if !ok || rec.gen != gen {
		// Cancelled while the timer was in flight.
		s.mu.Unlock()
		return
	}
	rec.timer = nil
	s.mu.Unlock()

	if err := recover(s.ctx); err != nil {
		s.logger.Warn("reconnection attempt failed",
			zap.String("client", clientID),
			zap.Error(err),
		)
		if s.Schedule(clientID, recover) == nil {
			s.logger.Error("reconnection attempts exhausted",
				zap.String("client", clientID),
			)
		}
		return
	}

	s.logger.Info("reconnection succeeded", zap.String("client", clientID))
	s.ResetAttempts(clientID)
}

// ResetAttempts clears the attempt counter and cancels any pending timer.
// Called after an externally confirmed reconnect or a manual force-reconnect.
func (s *Scheduler) ResetAttempts(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[clientID]
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.gen++
	rec.attempts = 0
	rec.lastAttempt = time.Time{}
	rec.back.Reset()
}

// Forget drops all bookkeeping for a removed client.
func (s *Scheduler) Forget(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[clientID]; ok && rec.timer != nil {
		rec.timer.Stop()
	}
	delete(s.records, clientID)
}

// GetStatus returns the reconnection status for one client.
func (s *Scheduler) GetStatus(clientID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[clientID]
	if !ok {
		return Status{MaxAttempts: s.cfg.MaxAttempts, CanReconnect: true}
	}
	return Status{
		Attempts:     rec.attempts,
		MaxAttempts:  s.cfg.MaxAttempts,
		HasScheduled: rec.timer != nil,
		LastAttempt:  rec.lastAttempt,
		CanReconnect: rec.attempts < s.cfg.MaxAttempts,
	}
}

// AllStatuses returns the status of every client with a record.
func (s *Scheduler) AllStatuses() map[string]Status {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		out[id] = s.GetStatus(id)
	}
	return out
}

// Stop cancels all pending timers and any in-flight recover contexts.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.gen++
	}
}
