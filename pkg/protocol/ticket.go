package protocol

import "time"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketPending    TicketStatus = "pending"
	TicketInProgress TicketStatus = "in-progress"
	TicketPaid       TicketStatus = "paid"
	TicketClosed     TicketStatus = "closed"
	TicketDeleted    TicketStatus = "deleted"
	TicketTranscript TicketStatus = "transcript"
)

// IsTerminal reports whether the ticket has left the active set.
// Messages are not forwarded on terminal tickets; only an explicit
// re-open (transcript -> in-progress) leaves the set.
func (s TicketStatus) IsTerminal() bool {
	switch s {
	case TicketClosed, TicketDeleted, TicketTranscript:
		return true
	}
	return false
}

// Ticket is one support conversation tracked across both platforms.
// ChannelID is the staff-side channel handle; it is empty while the
// ticket is pending channel capacity.
type Ticket struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	CategoryID string       `json:"category_id,omitempty"`
	Subject    string       `json:"subject,omitempty"`
	Status     TicketStatus `json:"status"`
	ChannelID  string       `json:"channel_id,omitempty"`
	ClaimedBy  string       `json:"claimed_by,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
}
