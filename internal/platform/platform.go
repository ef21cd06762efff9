// Package platform defines the contract between the bridge and the
// two chat platforms. Each platform client owns its session and feeds
// inbound activity into the bridge as uniform Events, so routing logic
// never sees platform-specific payload shapes.
package platform

import (
	"context"
	"time"
)

// Platform names used in events, queues, and logs.
const (
	Telegram   = "telegram"
	Mattermost = "mattermost"
)

// EventType classifies an inbound platform event.
type EventType string

const (
	EventText    EventType = "text"
	EventPhoto   EventType = "photo"
	EventEdit    EventType = "edit"
	EventCommand EventType = "command"
)

// Event is the uniform inbound event pushed onto the bridge's
// ingestion queue by both platform clients.
type Event struct {
	Platform   string
	Type       EventType
	ChatID     string // origin-side conversation id (Telegram chat)
	ChannelID  string // staff-side channel id (Mattermost channel)
	SenderID   string
	SenderName string
	Content    string
	Media      *Media
	Command    string // without the prefix, e.g. "claim"
	Args       []string
	Timestamp  time.Time
}

// Media is an attachment riding on an Event or an Outbound message.
// Handle is the platform-native re-upload reference (Telegram file_id,
// Mattermost file id); Data carries raw bytes when already fetched.
type Media struct {
	Handle   string
	Filename string
	Mime     string
	Size     int64
	Data     []byte
}

// Outbound is a message the bridge wants delivered to one platform.
// RecipientID is a Telegram chat id for the origin side and a channel
// id for the staff side.
type Outbound struct {
	Target      string
	TicketID    string
	RecipientID string
	SenderName  string
	Content     string
	Media       *Media
}

// Client is the session the ConnectionSupervisor owns: connect,
// liveness, teardown. Concrete clients add their send and channel
// capabilities on top.
type Client interface {
	// Name returns the platform name ("telegram", "mattermost").
	Name() string
	// Connect establishes the session and starts the client's event
	// loop. It returns once the session is live.
	Connect(ctx context.Context) error
	// Disconnect tears the session down and waits for the event loop
	// to stop. Idempotent.
	Disconnect() error
	// Ping probes platform liveness over the established session.
	Ping(ctx context.Context) error
	// CleanupSessions releases stale platform-side session state after
	// a session conflict, before the next Connect.
	CleanupSessions(ctx context.Context) error
}
