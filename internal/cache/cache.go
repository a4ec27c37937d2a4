// Package cache keeps an in-memory per-client index of chats, groups and
// unread status. The index is bulk-loaded once when a session becomes ready
// and updated incrementally from message and group events afterwards; the
// expensive bulk chat listing on the session is never repeated.
package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StatusBroadcast is the pseudo-chat used by the network for status posts;
// it is filtered out of the index.
const StatusBroadcast = "status@broadcast"

// Chat is one cached conversation.
type Chat struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsGroup       bool   `json:"is_group"`
	UnreadCount   int    `json:"unread_count"`
	Timestamp     int64  `json:"timestamp"` // last activity, epoch ms
	LastMessage   string `json:"last_message,omitempty"`
	ProfilePicURL string `json:"profile_pic_url,omitempty"`
}

// Participant is one member of a group roster.
type Participant struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	IsAdmin      bool   `json:"is_admin"`
	IsSuperAdmin bool   `json:"is_super_admin"`
}

// Group is a chat plus its lazily populated group metadata.
type Group struct {
	Chat
	Participants     []Participant `json:"participants,omitempty"`
	ParticipantCount int           `json:"participant_count"`
}

// ChatUpdate is a partial merge into a cached chat. Nil fields are untouched.
type ChatUpdate struct {
	Name          *string
	LastMessage   *string
	Timestamp     *int64
	ProfilePicURL *string
}

// GroupMetadata is the demand-fetched group descriptor.
type GroupMetadata struct {
	Subject      string
	Participants []Participant
}

type clientIndex struct {
	ready  bool
	chats  map[string]*Chat
	groups map[string]*groupEntry
	unread map[string]struct{}
}

// groupEntry shares the *Chat with the chats index, so unread/timestamp
// writes are mirrored without double bookkeeping.
type groupEntry struct {
	chat         *Chat
	participants []Participant
}

// Cache is the fleet-wide chat index, partitioned by client id.
type Cache struct {
	mu      sync.RWMutex
	clients map[string]*clientIndex
	logger  *zap.Logger
}

// New creates an empty cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{
		clients: make(map[string]*clientIndex),
		logger:  logger,
	}
}

// Initialize bulk-loads the chat snapshot for a client. A second call for
// the same client is a warned no-op; updates after initialization are
// incremental only.
func (c *Cache) Initialize(clientID string, snapshot []Chat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.clients[clientID]; ok && idx.ready {
		c.logger.Warn("cache already initialized", zap.String("client", clientID))
		return
	}

	idx := &clientIndex{
		ready:  true,
		chats:  make(map[string]*Chat),
		groups: make(map[string]*groupEntry),
		unread: make(map[string]struct{}),
	}
	for i := range snapshot {
		ch := snapshot[i]
		if ch.ID == StatusBroadcast {
			continue
		}
		entry := ch
		idx.chats[ch.ID] = &entry
		if ch.IsGroup {
			idx.groups[ch.ID] = &groupEntry{chat: &entry}
		}
		if ch.UnreadCount > 0 {
			idx.unread[ch.ID] = struct{}{}
		}
	}
	c.clients[clientID] = idx

	c.logger.Info("cache initialized",
		zap.String("client", clientID),
		zap.Int("chats", len(idx.chats)),
		zap.Int("groups", len(idx.groups)),
		zap.Int("unread", len(idx.unread)),
	)
}

// IsReady reports whether the client's index has been bulk-loaded.
func (c *Cache) IsReady(clientID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.clients[clientID]
	return ok && idx.ready
}

func (c *Cache) index(clientID string) *clientIndex {
	idx, ok := c.clients[clientID]
	if !ok {
		idx = &clientIndex{
			chats:  make(map[string]*Chat),
			groups: make(map[string]*groupEntry),
			unread: make(map[string]struct{}),
		}
		c.clients[clientID] = idx
	}
	return idx
}

func (idx *clientIndex) ensureChat(chatID string, isGroup bool) *Chat {
	ch, ok := idx.chats[chatID]
	if !ok {
		ch = &Chat{ID: chatID, IsGroup: isGroup}
		idx.chats[chatID] = ch
	}
	// A chat first seen through a plain message can later turn out to be a
	// group; promote it instead of leaving the group index out of sync.
	if isGroup {
		ch.IsGroup = true
		if _, ok := idx.groups[chatID]; !ok {
			idx.groups[chatID] = &groupEntry{chat: ch}
		}
	}
	return ch
}

// UpdateChat merges partial fields into a chat entry, creating it if absent.
// Group entries share storage with the chat index, so the merge is mirrored.
func (c *Cache) UpdateChat(clientID, chatID string, isGroup bool, upd ChatUpdate) {
	if chatID == StatusBroadcast {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.index(clientID).ensureChat(chatID, isGroup)
	if upd.Name != nil {
		ch.Name = *upd.Name
	}
	if upd.LastMessage != nil {
		ch.LastMessage = *upd.LastMessage
	}
	if upd.Timestamp != nil {
		ch.Timestamp = *upd.Timestamp
	}
	if upd.ProfilePicURL != nil {
		ch.ProfilePicURL = *upd.ProfilePicURL
	}
}

// MarkUnread bumps the unread count and activity timestamp of a chat and
// adds it to the unread index.
func (c *Cache) MarkUnread(clientID, chatID string, isGroup bool, incrementBy int) {
	if chatID == StatusBroadcast {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.index(clientID)
	ch := idx.ensureChat(chatID, isGroup)
	ch.UnreadCount += incrementBy
	ch.Timestamp = time.Now().UnixMilli()
	idx.unread[chatID] = struct{}{}
}

// MarkRead resets the unread count of a chat to zero and removes it from
// the unread index. Recorded exactly when an outbound message is seen.
func (c *Cache) MarkRead(clientID, chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return
	}
	if ch, ok := idx.chats[chatID]; ok {
		ch.UnreadCount = 0
		ch.Timestamp = time.Now().UnixMilli()
	}
	delete(idx.unread, chatID)
}

// UnreadChats returns chats with unread messages, most recent first.
// Cost is proportional to the unread set, not the full chat index.
func (c *Cache) UnreadChats(clientID string) []Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]Chat, 0, len(idx.unread))
	for id := range idx.unread {
		if ch, ok := idx.chats[id]; ok {
			out = append(out, *ch)
		}
	}
	sortByTimestamp(out)
	return out
}

// AllChats returns every cached chat, most recent first.
func (c *Cache) AllChats(clientID string) []Chat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]Chat, 0, len(idx.chats))
	for _, ch := range idx.chats {
		out = append(out, *ch)
	}
	sortByTimestamp(out)
	return out
}

// AllGroups returns every cached group, most recent first.
func (c *Cache) AllGroups(clientID string) []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]Group, 0, len(idx.groups))
	for _, g := range idx.groups {
		out = append(out, Group{
			Chat:             *g.chat,
			Participants:     append([]Participant(nil), g.participants...),
			ParticipantCount: len(g.participants),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// GetChat returns a copy of one cached chat.
func (c *Cache) GetChat(clientID, chatID string) (Chat, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return Chat{}, false
	}
	ch, ok := idx.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *ch, true
}

// GetGroup returns a copy of one cached group.
func (c *Cache) GetGroup(clientID, groupID string) (Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return Group{}, false
	}
	g, ok := idx.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return Group{
		Chat:             *g.chat,
		Participants:     append([]Participant(nil), g.participants...),
		ParticipantCount: len(g.participants),
	}, true
}

// UpdateGroupMetadata populates the participant roster and subject of a
// group from an explicit fetch or event. Never triggered by reads.
func (c *Cache) UpdateGroupMetadata(clientID, groupID string, meta GroupMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.index(clientID)
	ch := idx.ensureChat(groupID, true)
	if meta.Subject != "" {
		ch.Name = meta.Subject
	}
	g := idx.groups[groupID]
	g.participants = append([]Participant(nil), meta.Participants...)
}

// AddGroup registers a newly joined group.
func (c *Cache) AddGroup(clientID, groupID, subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.index(clientID)
	ch := idx.ensureChat(groupID, true)
	if subject != "" {
		ch.Name = subject
	}
	ch.Timestamp = time.Now().UnixMilli()
}

// RemoveGroup drops a group from both indexes after a leave event.
func (c *Cache) RemoveGroup(clientID, groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.clients[clientID]
	if !ok {
		return
	}
	delete(idx.chats, groupID)
	delete(idx.groups, groupID)
	delete(idx.unread, groupID)
}

// Clear drops the whole index for a client. Used on logout or teardown.
func (c *Cache) Clear(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)
}

func sortByTimestamp(chats []Chat) {
	sort.Slice(chats, func(i, j int) bool { return chats[i].Timestamp > chats[j].Timestamp })
}
