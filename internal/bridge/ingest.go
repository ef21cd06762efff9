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

const (
	originGreeting = "Welcome to support. Describe your problem in one message and a staff member will pick it up. Send /help for details."
	originHelp     = "Send any message to open a ticket, or keep writing in an open ticket and staff will see it. Photos are relayed too. One open ticket per person."
	bannedNotice   = "You are not able to open tickets."
)

// ingestLoop consumes the shared event queue and dispatches per source
// platform. One event at a time keeps per-ticket ordering; the queue
// buffer absorbs bursts.
func (m *Manager) ingestLoop(stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			return
		case ev := <-m.events:
			m.met.EventQueueLen.Set(float64(len(m.events)))
			m.dispatch(ev)
		}
	}
}

func (m *Manager) dispatch(ev platform.Event) {
	ctx := context.Background()
	switch ev.Platform {
	case platform.Telegram:
		m.handleOrigin(ctx, ev)
	case platform.Mattermost:
		m.handleStaff(ctx, ev)
	default:
		slog.Warn("event from unknown platform dropped", "platform", ev.Platform)
	}
}

// handleOrigin processes a customer-side event: commands get canned
// replies, anything else finds or opens the customer's ticket and is
// relayed to staff.
func (m *Manager) handleOrigin(ctx context.Context, ev platform.Event) {
	if ev.Type == platform.EventCommand {
		m.handleOriginCommand(ctx, ev)
		return
	}

	user, err := m.store.GetOrCreateUser(platform.Telegram, ev.SenderID, "", ev.SenderName)
	if err != nil {
		slog.Error("user lookup failed, event dropped", "sender", ev.SenderID, "error", err)
		return
	}
	if user.Banned {
		m.replyOrigin(ctx, ev.ChatID, bannedNotice)
		return
	}

	t, err := m.store.GetOpenTicketForUser(user.ID)
	if errors.Is(err, store.ErrNotFound) {
		t, err = m.openTicket(ctx, user, ev)
		if err != nil {
			m.replyOrigin(ctx, ev.ChatID, "Could not open a ticket right now, please try again in a minute.")
			return
		}
	} else if err != nil {
		slog.Error("open ticket lookup failed, event dropped", "user", user.ID, "error", err)
		return
	}

	outcome, err := m.ForwardToStaff(ctx, ForwardRequest{
		TicketID:   t.ID,
		SenderID:   user.ID,
		SenderName: ev.SenderName,
		Content:    ev.Content,
		Media:      ev.Media,
	})
	if err != nil {
		slog.Error("customer message dropped", "ticket", t.ID, "error", err)
		return
	}
	if text := originAck(outcome); text != "" {
		m.replyOrigin(ctx, ev.ChatID, text)
	}
}

func (m *Manager) handleOriginCommand(ctx context.Context, ev platform.Event) {
	switch ev.Command {
	case "start":
		m.replyOrigin(ctx, ev.ChatID, originGreeting+"\n\n"+m.categoryMenu())
	case "help":
		m.replyOrigin(ctx, ev.ChatID, originHelp)
	default:
		m.replyOrigin(ctx, ev.ChatID, "Unknown command. Send /help for usage.")
	}
}

// openTicket creates the ticket record and its staff channel. Channel
// capacity parks the ticket pending; the ticket record always exists
// afterwards so the message is not lost.
func (m *Manager) openTicket(ctx context.Context, user *protocol.User, ev platform.Event) (*protocol.Ticket, error) {
	t := &protocol.Ticket{
		UserID:  user.ID,
		Subject: ticketSubject(ev),
		Status:  protocol.TicketOpen,
	}
	if err := m.store.CreateTicket(t); err != nil {
		return nil, fmt.Errorf("bridge: open ticket: %w", err)
	}
	slog.Info("ticket opened", "ticket", t.ID, "user", user.ID)

	if err := m.CreateTicketChannel(ctx, t); err != nil {
		if errors.Is(err, platform.ErrCapacity) {
			// Ticket stays usable; the channel arrives when capacity
			// frees up.
			return t, nil
		}
		slog.Warn("ticket channel creation failed, will retry on next message",
			"ticket", t.ID, "error", err)
	}
	return t, nil
}

// handleStaff processes a workspace-side event. Posts in channels that
// are not ticket channels are ignored.
func (m *Manager) handleStaff(ctx context.Context, ev platform.Event) {
	t, err := m.store.GetTicketByChannel(ev.ChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("channel ticket lookup failed", "channel", ev.ChannelID, "error", err)
		}
		return
	}

	if ev.Type == platform.EventCommand {
		m.handleStaffCommand(ctx, ev, t)
		return
	}

	content := ev.Content
	if ev.Type == platform.EventEdit {
		content = "(edited) " + content
	}
	outcome, err := m.ForwardToOrigin(ctx, ForwardRequest{
		TicketID:   t.ID,
		SenderID:   ev.SenderID,
		SenderName: ev.SenderName,
		Content:    content,
		Media:      ev.Media,
	})
	if err != nil {
		m.replyStaff(ctx, ev.ChannelID, "Message not relayed: "+err.Error())
		return
	}
	if outcome == protocol.OutcomeQueued {
		m.replyStaff(ctx, ev.ChannelID, "Customer platform is unreachable, message queued for redelivery.")
	}
}

func (m *Manager) handleStaffCommand(ctx context.Context, ev platform.Event, t *protocol.Ticket) {
	switch ev.Command {
	case "claim":
		if err := m.store.ClaimTicket(t.ID, ev.SenderID); err != nil {
			m.replyStaff(ctx, ev.ChannelID, "Claim failed: "+err.Error())
			return
		}
		m.replyStaff(ctx, ev.ChannelID, fmt.Sprintf("Ticket claimed by **%s**.", ev.SenderName))
		m.notifyCustomer(ctx, t, fmt.Sprintf("%s is now handling your request.", ev.SenderName))
	case "pay":
		if err := m.store.MarkTicketPaid(t.ID); err != nil {
			m.replyStaff(ctx, ev.ChannelID, "Payment flag failed: "+err.Error())
			return
		}
		m.replyStaff(ctx, ev.ChannelID, "Ticket marked paid.")
	case "close":
		if err := m.CloseTicket(ctx, t.ID); err != nil {
			m.replyStaff(ctx, ev.ChannelID, "Close failed: "+err.Error())
			return
		}
		m.notifyCustomer(ctx, t, "Your ticket has been closed. Send a new message any time to open another one.")
	case "ping":
		h := m.Health()
		m.replyStaff(ctx, ev.ChannelID, fmt.Sprintf(
			"origin: %s, staff: %s, uptime: %ds", h.OriginState, h.StaffState, h.UptimeSeconds))
	default:
		m.replyStaff(ctx, ev.ChannelID, "Unknown command. Available: `!claim`, `!pay`, `!close`, `!ping`.")
	}
}

// notifyCustomer sends a bridge-authored notice to the ticket owner.
// Best effort, failures are logged only.
func (m *Manager) notifyCustomer(ctx context.Context, t *protocol.Ticket, text string) {
	user, err := m.store.GetUser(t.UserID)
	if err != nil {
		slog.Warn("customer notice skipped, user lookup failed", "ticket", t.ID, "error", err)
		return
	}
	m.replyOrigin(ctx, user.PlatformID, text)
}

func (m *Manager) replyOrigin(ctx context.Context, chatID, text string) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := m.origin.SendText(sctx, chatID, text); err != nil {
		slog.Warn("origin reply failed", "chat", chatID, "error", err)
	}
}

func (m *Manager) replyStaff(ctx context.Context, channelID, text string) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := m.staff.Post(sctx, channelID, text, nil); err != nil {
		slog.Warn("staff reply failed", "channel", channelID, "error", err)
	}
}

func (m *Manager) categoryMenu() string {
	categories, err := m.store.ListCategories()
	if err != nil || len(categories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Topics we can help with:\n")
	for _, c := range categories {
		fmt.Fprintf(&b, "• %s\n", c.Name)
	}
	return b.String()
}

// originAck is the customer-facing acknowledgment per outcome. A plain
// send stays silent; every degraded outcome tells the customer what
// actually happened to their message.
func originAck(outcome protocol.Outcome) string {
	switch outcome {
	case protocol.OutcomeQueued:
		return "We received your message. Delivery to our team is delayed, it will arrive automatically."
	case protocol.OutcomeDuplicate:
		return "That message was already received."
	case protocol.OutcomeTicketClosed:
		return "This ticket is closed. Send a new message to open another one."
	case protocol.OutcomeTicketPending:
		return "Your ticket is in the queue, a staff channel will open shortly. Your message is saved."
	}
	return ""
}

// ticketSubject derives a short subject from the opening message.
func ticketSubject(ev platform.Event) string {
	s := strings.TrimSpace(ev.Content)
	if s == "" && ev.Media != nil {
		return "attachment"
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
