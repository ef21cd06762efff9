package protocol

import "testing"

func TestIsTerminal(t *testing.T) {
	terminal := []TicketStatus{TicketClosed, TicketDeleted, TicketTranscript}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []TicketStatus{TicketOpen, TicketPending, TicketInProgress, TicketPaid}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
