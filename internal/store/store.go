package store

import "github.com/deskbridge-io/deskbridge/pkg/protocol"

// Store is the persistence interface the bridge consumes: tickets,
// origin-platform users, categories, and the durable message
// transcript. Calls are synchronous; the bridge never assumes they are
// cached.
type Store interface {
	// CreateTicket inserts a new ticket, assigning an ID when empty.
	CreateTicket(t *protocol.Ticket) error
	// GetTicket retrieves a ticket by ID.
	GetTicket(id string) (*protocol.Ticket, error)
	// GetOpenTicketForUser returns the user's current non-terminal
	// ticket, or ErrNotFound.
	GetOpenTicketForUser(userID string) (*protocol.Ticket, error)
	// GetTicketByChannel resolves the ticket owning a staff-side
	// channel, or ErrNotFound when the channel is not a ticket channel.
	GetTicketByChannel(channelID string) (*protocol.Ticket, error)
	// ListTickets returns tickets matching the filter, newest first.
	ListTickets(filter Filter) ([]*protocol.Ticket, error)
	// UpdateTicketStatus changes a ticket's status.
	UpdateTicketStatus(id string, status protocol.TicketStatus) error
	// SetTicketChannel records the staff-side channel handle. An empty
	// channel ID clears the handle.
	SetTicketChannel(id, channelID string) error
	// ClaimTicket marks the ticket claimed by a staff member and moves
	// it to in-progress.
	ClaimTicket(id, staffID string) error
	// MarkTicketPaid flags the ticket's payment as settled.
	MarkTicketPaid(id string) error
	// ReopenTicket brings a transcript ticket back to in-progress.
	// This is the only path out of the terminal statuses.
	ReopenTicket(id string) error

	// GetOrCreateUser finds the user by platform identity, creating
	// the record on first contact.
	GetOrCreateUser(platform, platformID, username, displayName string) (*protocol.User, error)
	// GetUser retrieves a user by internal ID.
	GetUser(id string) (*protocol.User, error)

	// GetCategory retrieves a category by ID.
	GetCategory(id string) (*protocol.Category, error)
	// ListCategories returns all categories.
	ListCategories() ([]*protocol.Category, error)
	// SaveCategory creates or updates a category.
	SaveCategory(c *protocol.Category) error

	// CreateMessageRecord appends a transcript entry, assigning an ID
	// when empty.
	CreateMessageRecord(m *protocol.MessageRecord) error
	// ListMessages returns a ticket's transcript in timestamp order.
	ListMessages(ticketID string) ([]protocol.MessageRecord, error)

	// Close releases the underlying database.
	Close() error
}

// Filter constrains ticket list queries.
type Filter struct {
	Status *protocol.TicketStatus
	UserID string
	Limit  int // 0 = no limit
}
