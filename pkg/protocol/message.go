package protocol

import "time"

// MessageRecord is the durable transcript entry written for every
// accepted forward, before delivery is attempted, so conversation
// history survives platform outages.
type MessageRecord struct {
	ID          string    `json:"id"`
	TicketID    string    `json:"ticket_id"`
	Platform    string    `json:"platform"` // source platform
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
