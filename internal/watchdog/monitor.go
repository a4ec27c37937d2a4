// Package watchdog periodically evaluates the health of every managed
// client and drives recovery. It exists to catch silent failures: a hung
// session looks exactly like a healthy one until it is actively probed.
package watchdog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/client"
	"github.com/matheus3301/wafleet/internal/metrics"
	"github.com/matheus3301/wafleet/internal/state"
)

// Config holds the watchdog thresholds.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// MaxQRAge bounds how long a client may sit in WAITING_QR.
	MaxQRAge time.Duration
	// MaxInitTime bounds INITIALIZING.
	MaxInitTime time.Duration
	// MaxStateAge bounds the remaining transitional states
	// (AUTHENTICATING, RECONNECTING, DISCONNECTED).
	MaxStateAge time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:     60 * time.Second,
		ProbeTimeout: 5 * time.Second,
		MaxQRAge:     180 * time.Second,
		MaxInitTime:  300 * time.Second,
		MaxStateAge:  900 * time.Second,
	}
}

// Supervisor is the recovery surface the watchdog drives. Implemented by
// client.Manager.
type Supervisor interface {
	ClientIDs() []string
	Session(clientID string) (client.Session, bool)
	FullRestart(ctx context.Context, clientID string) error
	RefreshClient(ctx context.Context, clientID string) error
	ReconnectLink(ctx context.Context, clientID string) error
}

// Checks holds the four independent health checks. Overall health is their
// conjunction.
type Checks struct {
	ProcessAlive bool `json:"process_alive"`
	Responsive   bool `json:"responsive"`
	StateValid   bool `json:"state_valid"`
	SessionLink  bool `json:"session_link"`
}

// Healthy reports whether all checks passed.
func (c Checks) Healthy() bool {
	return c.ProcessAlive && c.Responsive && c.StateValid && c.SessionLink
}

// Report is the outcome of one client evaluation.
type Report struct {
	ClientID  string        `json:"client_id"`
	Checks    Checks        `json:"checks"`
	Healthy   bool          `json:"healthy"`
	State     state.State   `json:"state"`
	StateAge  time.Duration `json:"state_age"`
	Action    string        `json:"action,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Summary is the rolling fleet-level view of the last run.
type Summary struct {
	Total     int                 `json:"total"`
	Healthy   int                 `json:"healthy"`
	Unhealthy int                 `json:"unhealthy"`
	ByState   map[state.State]int `json:"by_state"`
	LastRun   time.Time           `json:"last_run"`
}

// Monitor runs the periodic health evaluation.
type Monitor struct {
	cfg    Config
	states *state.Store
	sup    Supervisor
	logger *zap.Logger

	mu      sync.RWMutex
	reports map[string]Report
	summary Summary

	cancel context.CancelFunc
}

// NewMonitor creates a watchdog over the given supervisor.
func NewMonitor(cfg Config, states *state.Store, sup Supervisor, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		states:  states,
		sup:     sup,
		logger:  logger,
		reports: make(map[string]Report),
	}
}

// Start begins the periodic evaluation loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop. In-flight recovery actions finish on their own; they
// are idempotent, so a repeat on the next tick is harmless.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// RunOnce evaluates every known client and triggers recovery where needed.
func (m *Monitor) RunOnce(ctx context.Context) []Report {
	var out []Report
	healthy, unhealthy := 0, 0

	snapshot := m.states.Snapshot()

	// Drop reports for clients that have left the fleet.
	m.mu.Lock()
	for id := range m.reports {
		if _, ok := snapshot[id]; !ok {
			delete(m.reports, id)
		}
	}
	m.mu.Unlock()

	for id, cs := range snapshot {
		sess, ok := m.sup.Session(id)
		if !ok {
			// Client is mid-teardown or mid-recreate; the scheduler owns it.
			continue
		}

		checks := m.evaluate(ctx, id, cs, sess)
		rep := Report{
			ClientID:  id,
			Checks:    checks,
			Healthy:   checks.Healthy(),
			State:     cs.State,
			StateAge:  time.Since(cs.EnteredAt),
			CheckedAt: time.Now(),
		}

		if !rep.Healthy {
			unhealthy++
			rep.Action = m.recover(ctx, id, checks)
			m.logger.Warn("client unhealthy",
				zap.String("client", id),
				zap.String("state", string(cs.State)),
				zap.Bool("process_alive", checks.ProcessAlive),
				zap.Bool("responsive", checks.Responsive),
				zap.Bool("state_valid", checks.StateValid),
				zap.Bool("session_link", checks.SessionLink),
				zap.String("action", rep.Action),
			)
		} else {
			healthy++
		}

		m.mu.Lock()
		m.reports[id] = rep
		m.mu.Unlock()
		out = append(out, rep)
	}

	counts := m.states.CountByState()
	m.mu.Lock()
	m.summary = Summary{
		Total:     healthy + unhealthy,
		Healthy:   healthy,
		Unhealthy: unhealthy,
		ByState:   counts,
		LastRun:   time.Now(),
	}
	m.mu.Unlock()

	metrics.SetHealthTotals(healthy, unhealthy)
	stateCounts := make(map[string]int, len(counts))
	for st, n := range counts {
		stateCounts[string(st)] = n
	}
	metrics.SetStateCounts(stateCounts)

	return out
}

func (m *Monitor) evaluate(ctx context.Context, id string, cs state.ClientState, sess client.Session) Checks {
	var c Checks

	// A disconnected process that still holds authenticated identity is a
	// closed link, not a crash; treating it as dead would declare zombies
	// on every network blip.
	c.ProcessAlive = sess.IsProcessAlive() || sess.HasIdentity()
	if !c.ProcessAlive {
		metrics.CheckFailed("process_alive")
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := sess.Probe(pctx)
	cancel()
	c.Responsive = err == nil
	if !c.Responsive {
		metrics.CheckFailed("responsive")
		m.states.SetState(id, state.Zombie, map[string]any{"reason": "probe_timeout"})
	}

	age := time.Since(cs.EnteredAt)
	switch cs.State {
	case state.WaitingQR:
		c.StateValid = age <= m.cfg.MaxQRAge
	case state.Initializing:
		c.StateValid = age <= m.cfg.MaxInitTime
	case state.Authenticating, state.Reconnecting, state.Disconnected:
		c.StateValid = age <= m.cfg.MaxStateAge
	default:
		c.StateValid = true
	}
	if !c.StateValid {
		metrics.CheckFailed("state_valid")
	}

	// Suppressed during startup states to avoid false alarms while the
	// session is still pairing.
	switch cs.State {
	case state.Initializing, state.Authenticating, state.WaitingQR:
		c.SessionLink = true
	default:
		c.SessionLink = sess.HasIdentity() || sess.IsReady()
	}
	if !c.SessionLink {
		metrics.CheckFailed("session_link")
	}

	return c
}

// recover applies the first matching recovery rule, in priority order.
func (m *Monitor) recover(ctx context.Context, id string, c Checks) string {
	switch {
	case !c.ProcessAlive || !c.Responsive:
		m.fullRestart(ctx, id)
		return "full_restart"

	case !c.StateValid:
		if err := m.sup.RefreshClient(ctx, id); err != nil {
			m.logger.Warn("refresh failed, falling back to full restart",
				zap.String("client", id), zap.Error(err))
			m.fullRestart(ctx, id)
			return "refresh_then_full_restart"
		}
		metrics.RecoveryAction("refresh")
		return "refresh"

	default:
		if err := m.sup.ReconnectLink(ctx, id); err != nil {
			m.logger.Warn("link reconnect failed, falling back to full restart",
				zap.String("client", id), zap.Error(err))
			m.fullRestart(ctx, id)
			return "reconnect_link_then_full_restart"
		}
		metrics.RecoveryAction("reconnect_link")
		return "reconnect_link"
	}
}

func (m *Monitor) fullRestart(ctx context.Context, id string) {
	metrics.RecoveryAction("full_restart")
	if err := m.sup.FullRestart(ctx, id); err != nil {
		m.logger.Error("full restart failed", zap.String("client", id), zap.Error(err))
	}
}

// Reports returns the latest per-client reports.
func (m *Monitor) Reports() map[string]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Report, len(m.reports))
	for id, r := range m.reports {
		out[id] = r
	}
	return out
}

// Report returns the latest report for one client.
func (m *Monitor) Report(clientID string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[clientID]
	return r, ok
}

// GetSummary returns the rolling fleet summary.
func (m *Monitor) GetSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summary
}
