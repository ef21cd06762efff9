// Package mattermost is the staff-platform client: a Mattermost REST
// client plus websocket listener. Staff replies arrive as bridge
// events; outbound ticket traffic posts through incoming webhooks so
// each message carries the customer's display name.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
)

// CommandPrefix marks staff messages that drive the ticket lifecycle
// instead of being relayed, e.g. "!claim".
const CommandPrefix = "!"

// Config holds staff-platform settings.
type Config struct {
	ServerURL string
	Token     string
}

// Client owns the Mattermost session. It implements platform.Client
// for the supervisor and adds the posting and channel capabilities the
// bridge and webhook pool consume.
type Client struct {
	cfg     Config
	events  chan<- platform.Event
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	api    *model.Client4
	ws     *model.WebSocketClient
	botID  string
	stopCh chan struct{}
	doneCh chan struct{}

	// OnFailure is called when the websocket drops, so the supervisor
	// reconnects without waiting for a heartbeat.
	OnFailure func(error)

	httpClient *http.Client
}

// New builds a Client. The session is not opened until Connect.
func New(cfg Config, events chan<- platform.Event, limiter *ratelimit.Limiter) *Client {
	return &Client{
		cfg:        cfg,
		events:     events,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Name() string { return platform.Mattermost }

// Connect verifies the token, opens the websocket, and starts the
// event loop.
func (c *Client) Connect(ctx context.Context) error {
	api := model.NewAPIv4Client(c.cfg.ServerURL)
	api.SetToken(c.cfg.Token)

	me, _, err := api.GetMe(ctx, "")
	if err != nil {
		return mapError(err)
	}

	ws, err := model.NewWebSocketClient4(wsURL(c.cfg.ServerURL), api.AuthToken)
	if err != nil {
		return fmt.Errorf("mattermost: websocket: %w: %w", platform.ErrUnavailable, err)
	}
	ws.Listen()

	c.mu.Lock()
	c.api = api
	c.ws = ws
	c.botID = me.Id
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	slog.Info("mattermost session established", "user", me.Username, "user_id", me.Id)
	go c.listen(ws, stopCh, doneCh)
	return nil
}

// Disconnect closes the websocket and waits for the event loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	ws, stopCh, doneCh := c.ws, c.stopCh, c.doneCh
	c.ws, c.stopCh, c.doneCh = nil, nil, nil
	c.mu.Unlock()

	if stopCh == nil {
		return nil
	}
	close(stopCh)
	if ws != nil {
		ws.Close()
	}
	<-doneCh
	slog.Info("mattermost client disconnected")
	return nil
}

// Ping probes the session with a getMe call.
func (c *Client) Ping(ctx context.Context) error {
	api := c.currentAPI()
	if api == nil {
		return fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if _, _, err := api.GetMe(ctx, ""); err != nil {
		return mapError(err)
	}
	return nil
}

// CleanupSessions revokes other sessions on the same token's user,
// clearing a session-conflict condition before reconnecting.
func (c *Client) CleanupSessions(ctx context.Context) error {
	api := c.currentAPI()
	if api == nil {
		return nil
	}
	if _, err := api.RevokeAllSessions(ctx, c.botID); err != nil {
		return mapError(err)
	}
	slog.Info("mattermost sessions revoked", "user_id", c.botID)
	return nil
}

// Post writes a message directly as the bot account. FileIDs may name
// previously uploaded attachments.
func (c *Client) Post(ctx context.Context, channelID, message string, fileIDs []string) error {
	api := c.currentAPI()
	if api == nil {
		return fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassGlobal, ""); err != nil {
		return fmt.Errorf("mattermost: post: %w", err)
	}
	post := &model.Post{ChannelId: channelID, Message: message, FileIds: fileIDs}
	if _, _, err := api.CreatePost(ctx, post); err != nil {
		return mapError(err)
	}
	return nil
}

// webhookPayload is the incoming-webhook request body: text plus the
// per-message display name override.
type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// PostViaWebhook delivers a message through an incoming webhook so it
// renders under the customer's display name.
func (c *Client) PostViaWebhook(ctx context.Context, hookID, username, message string) error {
	if err := c.limiter.Acquire(ctx, ratelimit.ClassWebhook, hookID); err != nil {
		return fmt.Errorf("mattermost: webhook post: %w", err)
	}
	body, err := json.Marshal(webhookPayload{Text: message, Username: username})
	if err != nil {
		return fmt.Errorf("mattermost: webhook payload: %w", err)
	}
	url := strings.TrimRight(c.cfg.ServerURL, "/") + "/hooks/" + hookID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mattermost: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mattermost: webhook post: %w: %w", platform.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return mapStatus(resp.StatusCode, "", string(msg))
	}
	return nil
}

// CreateChannel creates an open channel under the given team and
// returns its id.
func (c *Client) CreateChannel(ctx context.Context, teamID, name, displayName string) (string, error) {
	api := c.currentAPI()
	if api == nil {
		return "", fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassChannelCreate, ""); err != nil {
		return "", fmt.Errorf("mattermost: create channel: %w", err)
	}
	ch, _, err := api.CreateChannel(ctx, &model.Channel{
		TeamId:      teamID,
		Type:        model.ChannelTypeOpen,
		Name:        name,
		DisplayName: displayName,
	})
	if err != nil {
		return "", mapError(err)
	}
	return ch.Id, nil
}

// MoveChannel relocates a channel to another team, used for the
// active/transcript transitions.
func (c *Client) MoveChannel(ctx context.Context, channelID, teamID string) error {
	api := c.currentAPI()
	if api == nil {
		return fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassChannelEdit, ""); err != nil {
		return fmt.Errorf("mattermost: move channel: %w", err)
	}
	if _, _, err := api.MoveChannel(ctx, channelID, teamID, false); err != nil {
		return mapError(err)
	}
	return nil
}

// DeleteChannel archives a channel.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	api := c.currentAPI()
	if api == nil {
		return fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if _, err := api.DeleteChannel(ctx, channelID); err != nil {
		return mapError(err)
	}
	return nil
}

// CreateWebhook provisions an incoming webhook on a channel and
// returns its id. The webhook pool owns the lease lifecycle.
func (c *Client) CreateWebhook(ctx context.Context, channelID string) (string, error) {
	api := c.currentAPI()
	if api == nil {
		return "", fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	hook, _, err := api.CreateIncomingWebhook(ctx, &model.IncomingWebhook{
		ChannelId:   channelID,
		DisplayName: "deskbridge relay",
		Description: "posts customer messages under their display name",
	})
	if err != nil {
		return "", mapError(err)
	}
	return hook.Id, nil
}

// DeleteWebhook releases a webhook created by CreateWebhook.
func (c *Client) DeleteWebhook(ctx context.Context, hookID string) error {
	api := c.currentAPI()
	if api == nil {
		return fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if _, err := api.DeleteIncomingWebhook(ctx, hookID); err != nil {
		return mapError(err)
	}
	return nil
}

// UploadFile stores bytes as a channel attachment and returns the file
// id for a later Post.
func (c *Client) UploadFile(ctx context.Context, channelID, filename string, data []byte) (string, error) {
	api := c.currentAPI()
	if api == nil {
		return "", fmt.Errorf("mattermost: not connected: %w", platform.ErrUnavailable)
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassFileFetch, ""); err != nil {
		return "", fmt.Errorf("mattermost: upload file: %w", err)
	}
	resp, _, err := api.UploadFile(ctx, data, channelID, filename)
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.FileInfos) == 0 {
		return "", fmt.Errorf("mattermost: upload returned no file info")
	}
	return resp.FileInfos[0].Id, nil
}

func (c *Client) currentAPI() *model.Client4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.api
}

// listen pumps websocket events into the bridge until the socket
// closes or Disconnect fires.
func (c *Client) listen(ws *model.WebSocketClient, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				select {
				case <-stopCh: // normal Disconnect
				default:
					if c.OnFailure != nil {
						c.OnFailure(fmt.Errorf("mattermost: websocket closed: %w", platform.ErrUnavailable))
					}
				}
				return
			}
			if evt == nil {
				continue
			}
			bridgeEvt, ok := c.translate(evt)
			if !ok {
				continue
			}
			select {
			case c.events <- bridgeEvt:
			case <-stopCh:
				return
			}
		}
	}
}

// translate maps a websocket event to the bridge's uniform event. The
// bridge's own posts (bot account and webhook deliveries) are skipped
// so relayed messages never echo back.
func (c *Client) translate(evt *model.WebSocketEvent) (platform.Event, bool) {
	var eventType platform.EventType
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		eventType = platform.EventText
	case model.WebsocketEventPostEdited:
		eventType = platform.EventEdit
	default:
		return platform.Event{}, false
	}

	raw, _ := evt.GetData()["post"].(string)
	if raw == "" {
		return platform.Event{}, false
	}
	var post model.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		slog.Warn("mattermost post payload unparseable", "error", err)
		return platform.Event{}, false
	}
	if post.UserId == c.botID {
		return platform.Event{}, false
	}
	if fromWebhook, _ := post.GetProp("from_webhook").(string); fromWebhook == "true" {
		return platform.Event{}, false
	}
	if post.Message == "" {
		return platform.Event{}, false
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")

	out := platform.Event{
		Platform:   platform.Mattermost,
		Type:       eventType,
		ChannelID:  post.ChannelId,
		SenderID:   post.UserId,
		SenderName: senderName,
		Content:    post.Message,
		Timestamp:  time.UnixMilli(post.CreateAt),
	}
	if eventType == platform.EventText && strings.HasPrefix(post.Message, CommandPrefix) {
		fields := strings.Fields(strings.TrimPrefix(post.Message, CommandPrefix))
		if len(fields) > 0 {
			out.Type = platform.EventCommand
			out.Command = strings.ToLower(fields[0])
			out.Args = fields[1:]
		}
	}
	return out, true
}

func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return serverURL
}

// mapError converts a Mattermost API error into the bridge taxonomy.
func mapError(err error) error {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return mapStatus(appErr.StatusCode, appErr.Id, appErr.Message)
	}
	return fmt.Errorf("mattermost: %w: %w", platform.ErrUnavailable, err)
}

func mapStatus(status int, id, message string) error {
	return &platform.Error{
		Platform:   platform.Mattermost,
		Code:       id,
		Message:    message,
		StatusCode: status,
		Kind:       kindFor(status, id),
	}
}

func kindFor(status int, id string) error {
	// The channel-count limit surfaces as a store error id rather than
	// a dedicated status code.
	if strings.Contains(id, "limit") {
		return platform.ErrCapacity
	}
	switch {
	case status == http.StatusNotFound:
		return platform.ErrNotFound
	case status == http.StatusTooManyRequests:
		return platform.ErrRateLimited
	case status == http.StatusConflict:
		return platform.ErrSessionConflict
	case status >= 500:
		return platform.ErrUnavailable
	}
	return nil
}
