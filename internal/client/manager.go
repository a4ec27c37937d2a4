package client

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/cache"
	"github.com/matheus3301/wafleet/internal/fleet"
	"github.com/matheus3301/wafleet/internal/media"
	"github.com/matheus3301/wafleet/internal/metrics"
	"github.com/matheus3301/wafleet/internal/reconnect"
	"github.com/matheus3301/wafleet/internal/state"
)

const (
	// disconnectGrace is how long a disconnect with surviving identity may
	// last before the reconnection path kicks in. Covers transient network
	// blips without churning the session.
	disconnectGrace = 30 * time.Second

	bulkFetchTimeout  = 30 * time.Second
	bulkFetchAttempts = 3
)

// Manager supervises all managed clients. State, cache, scheduler and
// pipeline are owned by their packages; the manager only calls their
// public operations.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	qr       map[string]string
	grace    map[string]*time.Timer

	states   *state.Store
	cache    *cache.Cache
	sched    *reconnect.Scheduler
	pipeline *media.Pipeline
	bus      *bus.Bus
	factory  Factory
	logger   *zap.Logger

	// Test seams.
	gracePeriod time.Duration
	settleDelay func() time.Duration

	cancel context.CancelFunc
}

// NewManager creates the orchestrator. Call Start to begin consuming events.
func NewManager(
	factory Factory,
	states *state.Store,
	ch *cache.Cache,
	sched *reconnect.Scheduler,
	pipeline *media.Pipeline,
	b *bus.Bus,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		sessions:    make(map[string]Session),
		qr:          make(map[string]string),
		grace:       make(map[string]*time.Timer),
		states:      states,
		cache:       ch,
		sched:       sched,
		pipeline:    pipeline,
		bus:         b,
		factory:     factory,
		logger:      logger,
		gracePeriod: disconnectGrace,
		// Random settle delay so cache initialization does not race the
		// session's own startup traffic.
		settleDelay: func() time.Duration {
			return 2*time.Second + time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// Start subscribes to session events on the bus.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("wa.", 512)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops event consumption and destroys all sessions.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	sessions := make(map[string]Session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
	}
	for _, t := range m.grace {
		t.Stop()
	}
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.Destroy(ctx); err != nil {
			m.logger.Warn("session destroy failed", zap.String("client", id), zap.Error(err))
		}
	}
}

// AddClient registers and starts a new client number.
func (m *Manager) AddClient(ctx context.Context, number string) error {
	if err := fleet.ValidateNumber(number); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[number]; ok {
		m.mu.Unlock()
		return fmt.Errorf("client %s already managed", number)
	}
	m.mu.Unlock()

	m.states.SetState(number, state.Initializing, nil)

	sess, err := m.factory(ctx, number)
	if err != nil {
		m.states.SetState(number, state.Error, map[string]any{"reason": err.Error()})
		return fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[number] = sess
	m.mu.Unlock()

	go func() {
		if err := sess.Initialize(ctx); err != nil {
			m.logger.Error("session initialize failed",
				zap.String("client", number), zap.Error(err))
			m.states.SetState(number, state.Error, map[string]any{"reason": err.Error()})
		}
	}()

	m.logger.Info("client added", zap.String("client", number))
	return nil
}

// RemoveClient tears a client down completely.
func (m *Manager) RemoveClient(ctx context.Context, number string) error {
	m.mu.Lock()
	sess, ok := m.sessions[number]
	delete(m.sessions, number)
	delete(m.qr, number)
	if t, ok := m.grace[number]; ok {
		t.Stop()
		delete(m.grace, number)
	}
	m.mu.Unlock()

	if !ok {
		return &fleet.ErrUnknownClient{Number: number}
	}

	if err := sess.Destroy(ctx); err != nil {
		m.logger.Warn("session destroy failed", zap.String("client", number), zap.Error(err))
	}
	m.sched.Forget(number)
	m.cache.Clear(number)
	m.states.Clear(number)

	m.logger.Info("client removed", zap.String("client", number))
	return nil
}

// ForceReconnect resets the backoff counter and restarts the client now.
// This is the manual escape hatch once automatic attempts are exhausted.
// Membership is judged by the state store, not the live-session map: an
// exhausted or torn-down client has no session precisely when this call
// is needed.
func (m *Manager) ForceReconnect(ctx context.Context, number string) error {
	if _, ok := m.states.GetState(number); !ok {
		return &fleet.ErrUnknownClient{Number: number}
	}
	m.sched.ResetAttempts(number)
	m.teardown(ctx, number)
	m.states.SetState(number, state.Reconnecting, map[string]any{"reason": "force_reconnect"})
	if err := m.recreate(ctx, number); err != nil {
		m.scheduleRecovery(number)
		return fmt.Errorf("force reconnect: %w", err)
	}
	return nil
}

// FullRestart destroys the session and hands the client to the reconnection
// scheduler. Safe to call repeatedly; restarting an already-torn-down client
// is a no-op beyond rescheduling.
func (m *Manager) FullRestart(ctx context.Context, number string) error {
	m.teardown(ctx, number)
	m.states.SetState(number, state.Reconnecting, map[string]any{"reason": "full_restart"})
	m.scheduleRecovery(number)
	return nil
}

// RefreshClient reinitializes the session in place, without destroying it.
func (m *Manager) RefreshClient(ctx context.Context, number string) error {
	sess, ok := m.Session(number)
	if !ok {
		return &fleet.ErrUnknownClient{Number: number}
	}
	m.logger.Info("refreshing client in place", zap.String("client", number))
	return sess.Initialize(ctx)
}

// ReconnectLink reconnects the session transport without touching identity.
func (m *Manager) ReconnectLink(ctx context.Context, number string) error {
	sess, ok := m.Session(number)
	if !ok {
		return &fleet.ErrUnknownClient{Number: number}
	}
	m.logger.Info("reconnecting session link", zap.String("client", number))
	return sess.Reload(ctx)
}

func (m *Manager) teardown(ctx context.Context, number string) {
	m.mu.Lock()
	sess, ok := m.sessions[number]
	delete(m.sessions, number)
	if t, tok := m.grace[number]; tok {
		t.Stop()
		delete(m.grace, number)
	}
	m.mu.Unlock()

	if ok {
		if err := sess.Destroy(ctx); err != nil {
			m.logger.Warn("session destroy failed", zap.String("client", number), zap.Error(err))
		}
	}
}

func (m *Manager) scheduleRecovery(number string) {
	scheduled := m.sched.Schedule(number, func(ctx context.Context) error {
		return m.recreate(ctx, number)
	})
	if scheduled == nil {
		m.logger.Warn("reconnection not scheduled (guard or exhausted)",
			zap.String("client", number))
		return
	}
	metrics.ReconnectScheduled()
}

// recreate builds a fresh session for the client. State transitions past
// INITIALIZING are driven by the session's own events.
func (m *Manager) recreate(ctx context.Context, number string) error {
	m.mu.Lock()
	if _, ok := m.sessions[number]; ok {
		// A session already exists (e.g. manual reconnect raced the timer).
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.states.SetState(number, state.Initializing, map[string]any{"reason": "reconnect"})

	sess, err := m.factory(ctx, number)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := sess.Initialize(ctx); err != nil {
		_ = sess.Destroy(ctx)
		return fmt.Errorf("initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[number] = sess
	m.mu.Unlock()
	return nil
}

// Session returns the live session for a number.
func (m *Manager) Session(number string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[number]
	return s, ok
}

// ClientIDs lists the numbers with a live session.
func (m *Manager) ClientIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// QR returns the latest pairing code for a client awaiting authentication.
func (m *Manager) QR(number string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.qr[number]
	return code, ok
}

// IsReady reports whether the client is in READY state.
func (m *Manager) IsReady(number string) bool {
	cs, ok := m.states.GetState(number)
	return ok && cs.State == state.Ready
}

// IsAuthenticated reports whether the client holds a valid authenticated state.
func (m *Manager) IsAuthenticated(number string) bool {
	cs, ok := m.states.GetState(number)
	return ok && (cs.State == state.Authenticated || cs.State == state.Ready)
}

// SendMessage sends text through the client's session. An outbound message
// marks the chat read, mirroring what the event hook does for fromMe traffic.
func (m *Manager) SendMessage(ctx context.Context, number, chatID, text string) (string, error) {
	sess, ok := m.Session(number)
	if !ok {
		return "", &fleet.ErrUnknownClient{Number: number}
	}
	msgID, err := sess.SendMessage(ctx, chatID, text)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	now := time.Now().UnixMilli()
	snippet := truncate(text, 100)
	m.cache.UpdateChat(number, chatID, isGroupJID(chatID), cache.ChatUpdate{
		LastMessage: &snippet,
		Timestamp:   &now,
	})
	m.cache.MarkRead(number, chatID)
	return msgID, nil
}

// ReconnectStatuses exposes the scheduler's per-client view.
func (m *Manager) ReconnectStatuses() map[string]reconnect.Status {
	return m.sched.AllStatuses()
}

func (m *Manager) handleEvent(ctx context.Context, evt bus.Event) {
	id := evt.ClientID
	switch evt.Kind {
	case bus.KindQR:
		p, ok := evt.Payload.(bus.QRPayload)
		if !ok {
			return
		}
		m.mu.Lock()
		m.qr[id] = p.Code
		m.mu.Unlock()
		m.states.SetState(id, state.WaitingQR, nil)

	case bus.KindAuthenticated:
		m.mu.Lock()
		delete(m.qr, id)
		m.mu.Unlock()
		m.states.SetState(id, state.Authenticated, nil)

	case bus.KindAuthFailure:
		reason := ""
		if p, ok := evt.Payload.(bus.DisconnectPayload); ok {
			reason = p.Reason
		}
		m.states.SetState(id, state.AuthFailure, map[string]any{"reason": reason})

	case bus.KindReady:
		m.cancelGrace(id)
		m.sched.ResetAttempts(id)
		m.states.SetState(id, state.Ready, nil)
		go m.initCache(ctx, id)

	case bus.KindLoadingScreen:
		if p, ok := evt.Payload.(bus.LoadingPayload); ok {
			if cs, ok := m.states.GetState(id); !ok || cs.State != state.Ready {
				m.states.SetState(id, state.Authenticating, map[string]any{"progress": p.Percent})
			}
		}

	case bus.KindDisconnected:
		p, _ := evt.Payload.(bus.DisconnectPayload)
		m.handleDisconnect(ctx, id, p)

	case bus.KindMessage:
		if p, ok := evt.Payload.(bus.MessagePayload); ok {
			m.handleMessage(id, p)
		}

	case bus.KindGroupJoin:
		if p, ok := evt.Payload.(bus.GroupPayload); ok {
			m.cache.AddGroup(id, p.GroupID, p.Subject)
			if len(p.Participants) > 0 {
				m.cache.UpdateGroupMetadata(id, p.GroupID, toGroupMetadata(p))
			}
		}

	case bus.KindGroupLeave:
		if p, ok := evt.Payload.(bus.GroupPayload); ok {
			m.cache.RemoveGroup(id, p.GroupID)
		}

	case bus.KindGroupUpdate:
		if p, ok := evt.Payload.(bus.GroupPayload); ok {
			m.cache.UpdateGroupMetadata(id, p.GroupID, toGroupMetadata(p))
		}
	}
}

func (m *Manager) handleDisconnect(ctx context.Context, id string, p bus.DisconnectPayload) {
	if p.HasIdentity {
		// Identity survived: give the session a grace window to come back
		// on its own before forcing the reconnection path.
		m.states.SetState(id, state.Disconnected, map[string]any{
			"reason": p.Reason,
			"grace":  true,
		})
		m.armGrace(id)
		return
	}

	m.cache.Clear(id)
	m.states.SetState(id, state.Disconnected, map[string]any{"reason": p.Reason})
	// The dead session must leave the map before the timer fires, or
	// recreate would see it and skip building a fresh one.
	m.teardown(ctx, id)
	m.states.SetState(id, state.Reconnecting, nil)
	m.scheduleRecovery(id)
}

func (m *Manager) armGrace(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.grace[id]; ok {
		t.Stop()
	}
	m.grace[id] = time.AfterFunc(m.gracePeriod, func() {
		m.mu.Lock()
		delete(m.grace, id)
		m.mu.Unlock()

		if m.states.IsHealthy(id) {
			return
		}
		m.logger.Info("grace period elapsed, reconnecting",
			zap.String("client", id))
		m.states.SetState(id, state.Reconnecting, map[string]any{"reason": "grace_elapsed"})
		m.scheduleRecovery(id)
	})
}

func (m *Manager) cancelGrace(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.grace[id]; ok {
		t.Stop()
		delete(m.grace, id)
	}
}

func (m *Manager) handleMessage(id string, p bus.MessagePayload) {
	upd := cache.ChatUpdate{}
	if p.ChatName != "" {
		name := p.ChatName
		upd.Name = &name
	}
	if p.Body != "" {
		snippet := truncate(p.Body, 100)
		upd.LastMessage = &snippet
	}
	if p.Timestamp != 0 {
		ts := p.Timestamp
		upd.Timestamp = &ts
	}
	m.cache.UpdateChat(id, p.ChatID, p.IsGroup, upd)

	if p.FromMe {
		m.cache.MarkRead(id, p.ChatID)
	} else {
		m.cache.MarkUnread(id, p.ChatID, p.IsGroup, 1)
	}

	if p.MediaType != "" && p.Fetch != nil {
		m.pipeline.Enqueue(p.MessageID, id, p.MediaType, media.PriorityNormal, media.FetchFunc(p.Fetch))
	}
}

// initCache bulk-loads the chat index once the session settles. Fetch
// failures degrade to an empty index rather than blocking readiness.
func (m *Manager) initCache(ctx context.Context, id string) {
	if m.cache.IsReady(id) {
		return
	}

	select {
	case <-time.After(m.settleDelay()):
	case <-ctx.Done():
		return
	}

	sess, ok := m.Session(id)
	if !ok {
		return
	}

	var chats []cache.Chat
	var err error
	for attempt := 1; attempt <= bulkFetchAttempts; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, bulkFetchTimeout)
		chats, err = sess.Chats(fctx)
		cancel()
		if err == nil {
			break
		}
		m.logger.Warn("bulk chat fetch failed",
			zap.String("client", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if err != nil {
		m.logger.Warn("cache starts empty, will fill from events",
			zap.String("client", id))
		chats = nil
	}
	m.cache.Initialize(id, chats)
}

func toGroupMetadata(p bus.GroupPayload) cache.GroupMetadata {
	meta := cache.GroupMetadata{Subject: p.Subject}
	for _, gp := range p.Participants {
		meta.Participants = append(meta.Participants, cache.Participant{
			ID:           gp.ID,
			Name:         gp.Name,
			IsAdmin:      gp.IsAdmin,
			IsSuperAdmin: gp.IsSuperAdmin,
		})
	}
	return meta
}

// isGroupJID recognizes group conversation ids by their server part.
func isGroupJID(chatID string) bool {
	return strings.HasSuffix(chatID, "@g.us")
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
