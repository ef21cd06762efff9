package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/store"
	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

// ForwardRequest is one message heading to the other platform.
type ForwardRequest struct {
	TicketID   string
	SenderID   string
	SenderName string
	Content    string
	Media      *platform.Media
}

// ForwardToStaff relays a customer message into the ticket's staff
// channel. The returned outcome is always meaningful; the error is
// non-nil only for validation failures (missing ticket/channel data).
func (m *Manager) ForwardToStaff(ctx context.Context, req ForwardRequest) (protocol.Outcome, error) {
	return m.forward(ctx, req, platform.Telegram, platform.Mattermost)
}

// ForwardToOrigin relays a staff message back to the customer's chat.
func (m *Manager) ForwardToOrigin(ctx context.Context, req ForwardRequest) (protocol.Outcome, error) {
	return m.forward(ctx, req, platform.Mattermost, platform.Telegram)
}

func (m *Manager) forward(ctx context.Context, req ForwardRequest, source, target string) (protocol.Outcome, error) {
	outcome, err := m.forwardInner(ctx, req, source, target)
	direction := "to_staff"
	if target == platform.Telegram {
		direction = "to_origin"
	}
	label := string(outcome)
	if err != nil && outcome == "" {
		label = "validation_error"
	}
	m.met.Forwards.WithLabelValues(direction, label).Inc()
	slog.Info("forward handled",
		"direction", direction,
		"ticket", req.TicketID,
		"outcome", label,
	)
	return outcome, err
}

func (m *Manager) forwardInner(ctx context.Context, req ForwardRequest, source, target string) (protocol.Outcome, error) {
	t, err := m.store.GetTicket(req.TicketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return "", fmt.Errorf("bridge: load ticket: %w", err)
	}
	if t.Status.IsTerminal() {
		return protocol.OutcomeTicketClosed, nil
	}

	extra := ""
	if req.Media != nil {
		extra = req.Media.Handle
	}
	if !m.dedup.Accept(source, req.TicketID, req.Content, extra) {
		m.met.DedupRejected.Inc()
		return protocol.OutcomeDuplicate, nil
	}

	out, err := m.resolve(req, t, target)
	if err != nil {
		return "", err
	}

	// The durable record precedes any delivery attempt so the
	// transcript survives a platform outage.
	if err := m.persistRecord(req, source); err != nil {
		return "", fmt.Errorf("bridge: persist message: %w", err)
	}

	// A pending ticket has no staff channel yet; hold the message for
	// the drain pass that runs after the channel exists.
	if target == platform.Mattermost && t.Status == protocol.TicketPending && t.ChannelID == "" {
		m.enqueue(out)
		return protocol.OutcomeTicketPending, nil
	}

	if !m.supervisorFor(target).Healthy() {
		m.enqueue(out)
		return protocol.OutcomeQueued, nil
	}

	m.failureDelay(target)
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	err = m.deliver(sctx, out)
	cancel()
	if err != nil {
		slog.Warn("direct delivery failed, message queued",
			"platform", target,
			"ticket", req.TicketID,
			"error", err,
		)
		m.noteFailure(target)
		m.enqueue(out)
		return protocol.OutcomeQueued, nil
	}
	m.resetFailures(target)
	return protocol.OutcomeSent, nil
}

// resolve looks up the delivery address for the target platform:
// the ticket's staff channel, or the customer's chat id. Missing data
// is a validation failure, never retried.
func (m *Manager) resolve(req ForwardRequest, t *protocol.Ticket, target string) (platform.Outbound, error) {
	out := platform.Outbound{
		Target:     target,
		TicketID:   req.TicketID,
		SenderName: req.SenderName,
		Content:    req.Content,
		Media:      req.Media,
	}
	switch target {
	case platform.Mattermost:
		// Pending tickets legitimately have no channel yet; the
		// recipient is filled when the drain runs after channel
		// creation.
		if t.ChannelID == "" && t.Status != protocol.TicketPending {
			return out, fmt.Errorf("%w: ticket %s has no staff channel", ErrValidation, t.ID)
		}
		out.RecipientID = t.ChannelID
	case platform.Telegram:
		user, err := m.store.GetUser(t.UserID)
		if err != nil {
			return out, fmt.Errorf("%w: user %s: %w", ErrValidation, t.UserID, err)
		}
		out.RecipientID = user.PlatformID
	}
	return out, nil
}

func (m *Manager) persistRecord(req ForwardRequest, source string) error {
	rec := &protocol.MessageRecord{
		TicketID:   req.TicketID,
		Platform:   source,
		AuthorID:   req.SenderID,
		AuthorName: req.SenderName,
		Content:    req.Content,
		Timestamp:  m.clk.Now(),
	}
	if req.Media != nil && req.Media.Handle != "" {
		rec.Attachments = []string{req.Media.Handle}
	}
	return m.store.CreateMessageRecord(rec)
}

func (m *Manager) supervisorFor(target string) interface{ Healthy() bool } {
	if target == platform.Mattermost {
		return m.staffSup
	}
	return m.originSup
}

// deliver pushes one outbound message to its platform. Retry-queue
// items re-resolve the recipient here when it was unknown at enqueue
// time (pending tickets).
func (m *Manager) deliver(ctx context.Context, out platform.Outbound) error {
	if out.RecipientID == "" {
		t, err := m.store.GetTicket(out.TicketID)
		if err != nil {
			return fmt.Errorf("bridge: deliver: %w", err)
		}
		if out.Target == platform.Mattermost {
			if t.ChannelID == "" {
				return fmt.Errorf("bridge: ticket %s still has no staff channel: %w",
					out.TicketID, platform.ErrUnavailable)
			}
			out.RecipientID = t.ChannelID
		}
	}
	if out.Target == platform.Mattermost {
		return m.deliverToStaff(ctx, out)
	}
	return m.deliverToOrigin(ctx, out)
}

// deliverToStaff posts into the ticket channel. Text goes through the
// channel's webhook lease so it renders under the customer's name;
// media falls back to a direct bot post with an uploaded attachment.
func (m *Manager) deliverToStaff(ctx context.Context, out platform.Outbound) error {
	if out.Media != nil {
		return m.deliverMediaToStaff(ctx, out)
	}

	lease, err := m.pool.LeaseFor(ctx, out.RecipientID)
	if err != nil {
		slog.Warn("webhook lease unavailable, posting directly",
			"channel", out.RecipientID, "error", err)
		return m.staff.Post(ctx, out.RecipientID, namedMessage(out.SenderName, out.Content), nil)
	}
	if err := m.staff.PostViaWebhook(ctx, lease.HookID, out.SenderName, out.Content); err != nil {
		m.pool.ReportFailure(out.RecipientID)
		return err
	}
	m.pool.ReportSuccess(out.RecipientID)
	return nil
}

func (m *Manager) deliverMediaToStaff(ctx context.Context, out platform.Outbound) error {
	data := out.Media.Data
	if len(data) == 0 && out.Media.Handle != "" {
		fetched, err := m.origin.FetchFile(ctx, out.Media.Handle)
		if err != nil {
			return fmt.Errorf("bridge: fetch media: %w", err)
		}
		data = fetched
	}
	filename := out.Media.Filename
	if filename == "" {
		filename = "photo.jpg"
	}
	fileID, err := m.staff.UploadFile(ctx, out.RecipientID, filename, data)
	if err != nil {
		return err
	}
	return m.staff.Post(ctx, out.RecipientID, namedMessage(out.SenderName, out.Content), []string{fileID})
}

func (m *Manager) deliverToOrigin(ctx context.Context, out platform.Outbound) error {
	text := namedMessage(out.SenderName, out.Content)
	if out.Media != nil {
		return m.origin.SendPhoto(ctx, out.RecipientID, out.Media, text)
	}
	return m.origin.SendText(ctx, out.RecipientID, text)
}

// namedMessage prefixes content with the sender's display name for
// surfaces without a per-message name override.
func namedMessage(name, content string) string {
	if name == "" {
		return content
	}
	if content == "" {
		return fmt.Sprintf("**%s** sent an attachment", name)
	}
	return fmt.Sprintf("**%s**: %s", name, content)
}
