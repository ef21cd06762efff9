package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

// CreateTicketChannel provisions the staff-side channel for a ticket:
// creates it under the category's active team, posts the intake
// summary, persists the handle, and pings the category role. A
// capacity error from the platform parks the ticket in pending instead
// of failing hard; the error is still returned so the caller can tell
// the customer.
func (m *Manager) CreateTicketChannel(ctx context.Context, t *protocol.Ticket) error {
	category := m.categoryFor(t)
	teamID := category.TeamID
	if teamID == "" {
		teamID = m.cfg.TeamID
	}

	name := channelName(t)
	displayName := channelDisplayName(t)
	channelID, err := m.staff.CreateChannel(ctx, teamID, name, displayName)
	if err != nil {
		if errors.Is(err, platform.ErrCapacity) {
			slog.Warn("staff team at channel capacity, ticket parked pending",
				"ticket", t.ID, "team", teamID)
			if serr := m.store.UpdateTicketStatus(t.ID, protocol.TicketPending); serr != nil {
				return errors.Join(err, serr)
			}
			t.Status = protocol.TicketPending
			return err
		}
		return fmt.Errorf("bridge: create channel for ticket %s: %w", t.ID, err)
	}

	if err := m.store.SetTicketChannel(t.ID, channelID); err != nil {
		// Don't leave an orphaned channel the ticket cannot reach.
		if derr := m.staff.DeleteChannel(ctx, channelID); derr != nil {
			slog.Error("orphaned channel cleanup failed", "channel", channelID, "error", derr)
		}
		return fmt.Errorf("bridge: persist channel for ticket %s: %w", t.ID, err)
	}
	t.ChannelID = channelID

	if err := m.staff.Post(ctx, channelID, intakeSummary(t, category), nil); err != nil {
		slog.Warn("intake summary post failed", "ticket", t.ID, "error", err)
	}
	if category.RoleID != "" {
		notice := fmt.Sprintf("@%s new ticket from **%s** — reply `!claim` to take it.",
			category.RoleID, t.Subject)
		if err := m.staff.Post(ctx, channelID, notice, nil); err != nil {
			slog.Warn("claim notification failed", "ticket", t.ID, "error", err)
		}
	}

	slog.Info("ticket channel created", "ticket", t.ID, "channel", channelID, "team", teamID)
	return nil
}

// MoveToTranscripts archives the ticket's channel into the transcript
// team and flips the ticket to transcript status. A channel deleted
// out-of-band counts as already archived.
func (m *Manager) MoveToTranscripts(ctx context.Context, ticketID string) error {
	t, err := m.store.GetTicket(ticketID)
	if err != nil {
		return fmt.Errorf("bridge: move to transcripts: %w", err)
	}

	if t.ChannelID != "" {
		team := m.transcriptTeamFor(t)
		if err := m.staff.MoveChannel(ctx, t.ChannelID, team); err != nil {
			if !errors.Is(err, platform.ErrNotFound) {
				return fmt.Errorf("bridge: move channel %s: %w", t.ChannelID, err)
			}
			slog.Info("ticket channel already gone, treating as archived",
				"ticket", ticketID, "channel", t.ChannelID)
		}
		m.pool.Drop(t.ChannelID)
	}

	if err := m.store.UpdateTicketStatus(ticketID, protocol.TicketTranscript); err != nil {
		return fmt.Errorf("bridge: move to transcripts: %w", err)
	}
	slog.Info("ticket archived", "ticket", ticketID)
	return nil
}

// MoveFromTranscripts re-opens an archived ticket: the channel moves
// back to the active team and the ticket returns to in-progress.
func (m *Manager) MoveFromTranscripts(ctx context.Context, ticketID string) error {
	t, err := m.store.GetTicket(ticketID)
	if err != nil {
		return fmt.Errorf("bridge: move from transcripts: %w", err)
	}

	if t.ChannelID != "" {
		team := m.activeTeamFor(t)
		if err := m.staff.MoveChannel(ctx, t.ChannelID, team); err != nil {
			if !errors.Is(err, platform.ErrNotFound) {
				return fmt.Errorf("bridge: move channel %s: %w", t.ChannelID, err)
			}
			// The channel is gone; the re-opened ticket gets a fresh
			// one on the next forward.
			slog.Info("transcript channel gone, clearing handle", "ticket", ticketID)
			if serr := m.store.SetTicketChannel(ticketID, ""); serr != nil {
				return fmt.Errorf("bridge: clear channel handle: %w", serr)
			}
		}
	}

	if err := m.store.ReopenTicket(ticketID); err != nil {
		return fmt.Errorf("bridge: move from transcripts: %w", err)
	}
	slog.Info("ticket re-opened", "ticket", ticketID)
	return nil
}

// CloseTicket closes a ticket and archives its channel.
func (m *Manager) CloseTicket(ctx context.Context, ticketID string) error {
	if err := m.store.UpdateTicketStatus(ticketID, protocol.TicketClosed); err != nil {
		return fmt.Errorf("bridge: close ticket: %w", err)
	}
	return m.MoveToTranscripts(ctx, ticketID)
}

func (m *Manager) categoryFor(t *protocol.Ticket) *protocol.Category {
	if t.CategoryID == "" {
		return &protocol.Category{}
	}
	category, err := m.store.GetCategory(t.CategoryID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("category lookup failed", "category", t.CategoryID, "error", err)
		}
		return &protocol.Category{}
	}
	return category
}

func (m *Manager) transcriptTeamFor(t *protocol.Ticket) string {
	if c := m.categoryFor(t); c.TranscriptTeamID != "" {
		return c.TranscriptTeamID
	}
	return m.cfg.TranscriptTeamID
}

func (m *Manager) activeTeamFor(t *protocol.Ticket) string {
	if c := m.categoryFor(t); c.TeamID != "" {
		return c.TeamID
	}
	return m.cfg.TeamID
}

// channelName builds a Mattermost-safe channel slug from the ticket id.
func channelName(t *protocol.Ticket) string {
	return "ticket-" + strings.ToLower(shortID(t.ID))
}

func channelDisplayName(t *protocol.Ticket) string {
	subject := t.Subject
	if subject == "" {
		subject = "support request"
	}
	return fmt.Sprintf("Ticket %s — %s", shortID(t.ID), subject)
}

// intakeSummary is the channel's opening post: the subject plus the
// category's intake questions for staff to walk through.
func intakeSummary(t *protocol.Ticket, category *protocol.Category) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#### Ticket %s\n", shortID(t.ID))
	if category.Name != "" {
		fmt.Fprintf(&b, "**Category:** %s\n", category.Name)
	}
	if t.Subject != "" {
		fmt.Fprintf(&b, "**Subject:** %s\n", t.Subject)
	}
	if len(category.Questions) > 0 {
		b.WriteString("\n**Intake checklist:**\n")
		for _, q := range category.Questions {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	b.WriteString("\nMessages posted here are relayed to the customer. Commands: `!claim`, `!pay`, `!close`, `!ping`.")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
