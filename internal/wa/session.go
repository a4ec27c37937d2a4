// Package wa binds a managed client to a live WhatsApp session. Each
// Session owns one whatsmeow client backed by the client's credential
// database and publishes normalized events on the bus; it never talks to
// the orchestrator directly.
package wa

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/cache"
	"github.com/matheus3301/wafleet/internal/fleet"

	_ "github.com/mattn/go-sqlite3"
)

// Session wraps one whatsmeow client for one client number.
type Session struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	number    string
	handlerID uint32

	mu       sync.Mutex
	cancelQR context.CancelFunc
}

// NewSession opens the client's credential store and builds a session. The
// session is idle until Initialize is called.
func NewSession(ctx context.Context, number string, b *bus.Bus, logger *zap.Logger) (*Session, error) {
	if err := fleet.EnsureClientDir(number); err != nil {
		return nil, fmt.Errorf("ensure client dir: %w", err)
	}

	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WAFleet", [3]uint32{0, 1, 0})

	dbPath := fleet.SessionDBPath(number)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	s := &Session{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger.With(zap.String("client", number)),
		number:    number,
	}

	h := &eventHandler{
		bus:      b,
		number:   number,
		logger:   s.logger,
		identity: s.HasIdentity,
		download: s.download,
	}
	s.handlerID = client.AddEventHandler(h.handle)

	return s, nil
}

// Initialize connects the session. Unauthenticated sessions get the QR
// pairing flow; codes are published on the bus as they rotate.
func (s *Session) Initialize(ctx context.Context) error {
	if s.client.IsConnected() {
		s.client.Disconnect()
	}

	if !s.HasIdentity() {
		qrCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		if s.cancelQR != nil {
			s.cancelQR()
		}
		s.cancelQR = cancel
		s.mu.Unlock()

		// Must be requested before Connect.
		ch, err := s.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get qr channel: %w", err)
		}
		go s.pumpQR(ch)
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.bus.Emit(bus.KindQR, s.number, bus.QRPayload{Code: item.Code})
		case "success":
			s.bus.Emit(bus.KindAuthenticated, s.number, nil)
			return
		case "timeout":
			s.bus.Emit(bus.KindAuthFailure, s.number, bus.DisconnectPayload{Reason: "qr_timeout"})
			return
		default:
			if item.Error != nil {
				s.bus.Emit(bus.KindAuthFailure, s.number, bus.DisconnectPayload{Reason: item.Error.Error()})
				return
			}
		}
	}
}

// Destroy disconnects and releases the credential store. The credentials
// themselves stay on disk.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.cancelQR != nil {
		s.cancelQR()
		s.cancelQR = nil
	}
	s.mu.Unlock()

	s.client.RemoveEventHandler(s.handlerID)
	s.client.Disconnect()
	if err := s.container.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

// Reload drops and re-establishes the transport link, keeping identity.
func (s *Session) Reload(ctx context.Context) error {
	s.client.Disconnect()
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// SendMessage sends plain text to a chat JID. Returns the server message id.
func (s *Session) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	to, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse jid: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// Chats bulk-loads the chat snapshot for cache initialization: joined
// groups from the server plus contacts from the device store.
func (s *Session) Chats(ctx context.Context) ([]cache.Chat, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}

	var chats []cache.Chat
	for _, g := range groups {
		chats = append(chats, cache.Chat{
			ID:        g.JID.String(),
			Name:      g.Name,
			IsGroup:   true,
			Timestamp: g.GroupCreated.UnixMilli(),
		})
	}

	contacts, err := s.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		// The group list alone is still a useful snapshot.
		s.logger.Warn("contact load failed", zap.Error(err))
		return chats, nil
	}
	for jid, info := range contacts {
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		chats = append(chats, cache.Chat{
			ID:      jid.ToNonAD().String(),
			Name:    name,
			IsGroup: false,
		})
	}

	sort.Slice(chats, func(i, j int) bool { return chats[i].Timestamp > chats[j].Timestamp })
	return chats, nil
}

// GroupMetadata fetches live group info from the server.
func (s *Session) GroupMetadata(ctx context.Context, groupID string) (cache.GroupMetadata, error) {
	jid, err := types.ParseJID(groupID)
	if err != nil {
		return cache.GroupMetadata{}, fmt.Errorf("parse jid: %w", err)
	}
	info, err := s.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return cache.GroupMetadata{}, fmt.Errorf("get group info: %w", err)
	}

	meta := cache.GroupMetadata{Subject: info.Name}
	for _, p := range info.Participants {
		meta.Participants = append(meta.Participants, cache.Participant{
			ID:           p.JID.String(),
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return meta, nil
}

// ProfilePicURL returns the full-size profile picture URL for a JID.
func (s *Session) ProfilePicURL(ctx context.Context, chatID string) (string, error) {
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return "", fmt.Errorf("parse jid: %w", err)
	}
	info, err := s.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", fmt.Errorf("get profile picture: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// IsProcessAlive reports whether the transport link is up.
func (s *Session) IsProcessAlive() bool {
	return s.client.IsConnected()
}

// Probe checks liveness by pushing a presence update through the socket.
// Sessions without identity cannot send presence and pass vacuously.
func (s *Session) Probe(ctx context.Context) error {
	if !s.HasIdentity() || !s.client.IsConnected() {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.client.SendPresence(ctx, types.PresenceAvailable)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasIdentity reports whether authenticated credentials exist.
func (s *Session) HasIdentity() bool {
	return s.client.Store.ID != nil
}

// IsReady reports whether the session is authenticated and connected.
func (s *Session) IsReady() bool {
	return s.client.IsConnected() && s.HasIdentity()
}

// download resolves the downloadable part of a raw message, if any.
func (s *Session) download(ctx context.Context, msg *waE2E.Message) ([]byte, error) {
	dl := downloadable(msg)
	if dl == nil {
		return nil, fmt.Errorf("message has no downloadable media")
	}
	data, err := s.client.Download(ctx, dl)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}
