// Package client owns the lifecycle of every managed session: it wires
// session events into the state store, cache and media pipeline, and
// exposes the recovery operations used by the watchdog and the API layer.
package client

import (
	"context"

	"github.com/matheus3301/wafleet/internal/cache"
)

// Session is the capability exposed by one live connection to the messaging
// network. Implementations report their own health through the named probe
// methods instead of being shape-checked by callers.
type Session interface {
	// Initialize connects the session, pairing via QR when no credentials
	// exist. Safe to call again on a live session to reinitialize in place.
	Initialize(ctx context.Context) error
	// Destroy tears the session down. The credential store on disk survives.
	Destroy(ctx context.Context) error
	// Reload reconnects the transport link without touching identity.
	Reload(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	Chats(ctx context.Context) ([]cache.Chat, error)
	GroupMetadata(ctx context.Context, groupID string) (cache.GroupMetadata, error)
	ProfilePicURL(ctx context.Context, chatID string) (string, error)

	// IsProcessAlive reports whether the underlying connection process is up.
	IsProcessAlive() bool
	// Probe issues a cheap round-trip; an error means the session is
	// unresponsive even if the connection looks alive.
	Probe(ctx context.Context) error
	// HasIdentity reports whether authenticated credentials are present.
	HasIdentity() bool
	// IsReady reports a fully connected, authenticated session.
	IsReady() bool
}

// Factory creates a Session for a client number.
type Factory func(ctx context.Context, clientID string) (Session, error)
