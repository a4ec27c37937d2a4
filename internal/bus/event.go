package bus

import (
	"context"
	"time"
)

// Event kinds form the closed set of variants published on the bus.
// Namespaces: "session." for lifecycle, "wa." for raw session events,
// "media." for pipeline results.
const (
	KindStateChanged = "session.state_changed"

	KindQR            = "wa.qr"
	KindAuthenticated = "wa.authenticated"
	KindAuthFailure   = "wa.auth_failure"
	KindReady         = "wa.ready"
	KindDisconnected  = "wa.disconnected"
	KindLoadingScreen = "wa.loading_screen"
	KindMessage       = "wa.message"
	KindGroupJoin     = "wa.group_join"
	KindGroupLeave    = "wa.group_leave"
	KindGroupUpdate   = "wa.group_update"

	KindMediaCompleted = "media.completed"
)

// Event represents a domain event published on the bus. ClientID is the
// phone number of the client the event belongs to.
type Event struct {
	Kind      string
	ClientID  string
	Timestamp time.Time
	Payload   any
}

// QRPayload carries a fresh pairing code for an unauthenticated client.
type QRPayload struct {
	Code string
}

// DisconnectPayload describes a session disconnect. HasIdentity is true
// when the session still holds authenticated credentials, which steers
// the orchestrator toward the grace-period path instead of a cold restart.
type DisconnectPayload struct {
	HasIdentity bool
	Reason      string
}

// LoadingPayload reports session startup progress.
type LoadingPayload struct {
	Percent int
}

// MessagePayload is a normalized inbound or outbound message.
// Fetch is non-nil when the message carries downloadable media.
type MessagePayload struct {
	ChatID    string
	ChatName  string
	MessageID string
	SenderID  string
	Body      string
	MediaType string
	FromMe    bool
	IsGroup   bool
	Timestamp int64
	Fetch     func(ctx context.Context) ([]byte, error)
}

// GroupParticipant mirrors one member of a group roster update.
type GroupParticipant struct {
	ID           string
	Name         string
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupPayload describes a group membership or metadata change.
type GroupPayload struct {
	GroupID      string
	Subject      string
	Participants []GroupParticipant
}
