// Package telegram is the origin-platform client: a long-polling
// Telegram bot that feeds customer messages into the bridge and
// delivers staff replies back to the customer's chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/deskbridge-io/deskbridge/internal/mediacache"
	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
)

// Config holds origin-platform settings.
type Config struct {
	Token string
	// AllowFrom restricts which Telegram user IDs may open tickets.
	// Empty allows everyone.
	AllowFrom []int64
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
}

// Client owns the Telegram session. It implements platform.Client for
// the supervisor and adds the send/fetch capabilities the bridge uses.
type Client struct {
	cfg     Config
	events  chan<- platform.Event
	limiter *ratelimit.Limiter
	cache   *mediacache.Cache

	mu     sync.Mutex
	bot    *tgbotapi.BotAPI
	stopCh chan struct{}
	doneCh chan struct{}

	// OnFailure is called when the event loop detects a dead session,
	// so the supervisor can reconnect without waiting for a heartbeat.
	OnFailure func(error)

	httpClient *http.Client
}

// New builds a Client. Events are pushed onto events as they arrive;
// the session is not opened until Connect.
func New(cfg Config, events chan<- platform.Event, limiter *ratelimit.Limiter, cache *mediacache.Cache) *Client {
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 30
	}
	return &Client{
		cfg:        cfg,
		events:     events,
		limiter:    limiter,
		cache:      cache,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Name() string { return platform.Telegram }

// Connect authorizes the bot and starts the long-polling update loop.
func (c *Client) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return mapError(err)
	}

	c.mu.Lock()
	c.bot = bot
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	updates := bot.GetUpdatesChan(u)

	slog.Info("telegram bot authorized", "username", bot.Self.UserName)
	go c.pollLoop(bot, updates, stopCh, doneCh)
	return nil
}

// Disconnect stops long polling and waits for the update loop to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	bot, stopCh, doneCh := c.bot, c.stopCh, c.doneCh
	c.stopCh, c.doneCh = nil, nil
	c.mu.Unlock()

	if bot == nil || stopCh == nil {
		return nil
	}
	close(stopCh)
	bot.StopReceivingUpdates()
	<-doneCh
	slog.Info("telegram client disconnected")
	return nil
}

// Ping probes the session with a getMe call.
func (c *Client) Ping(ctx context.Context) error {
	bot := c.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected: %w", platform.ErrUnavailable)
	}
	if _, err := bot.GetMe(); err != nil {
		return mapError(err)
	}
	return nil
}

// CleanupSessions drops a lingering webhook registration, the usual
// cause of getUpdates 409 conflicts after a credential move.
func (c *Client) CleanupSessions(ctx context.Context) error {
	bot := c.currentBot()
	if bot == nil {
		return nil
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return mapError(err)
	}
	slog.Info("telegram webhook registration cleared")
	return nil
}

// SendText delivers a text message to a chat. Staff markdown is
// converted to Telegram's HTML subset with a plain-text fallback.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	bot := c.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected: %w", platform.ErrUnavailable)
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassGlobal, ""); err != nil {
		return fmt.Errorf("telegram: send text: %w", err)
	}

	msg := tgbotapi.NewMessage(id, ToTelegramHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		// Bad entities in converted HTML; retry as plain text.
		plain := tgbotapi.NewMessage(id, StripFormatting(text))
		if _, err2 := bot.Send(plain); err2 != nil {
			return mapError(err2)
		}
	}
	return nil
}

// SendPhoto delivers a photo, preferring a cached Telegram file_id over
// re-uploading bytes. A fresh upload's file_id is written back to the
// cache for the next send.
func (c *Client) SendPhoto(ctx context.Context, chatID string, media *platform.Media, caption string) error {
	bot := c.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram: not connected: %w", platform.ErrUnavailable)
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassGlobal, ""); err != nil {
		return fmt.Errorf("telegram: send photo: %w", err)
	}

	var file tgbotapi.RequestFileData
	cacheKey := photoCacheKey(media)
	if entry, ok := c.cache.Get(cacheKey); ok && entry.Handle != "" {
		file = tgbotapi.FileID(entry.Handle)
	} else if len(media.Data) > 0 {
		file = tgbotapi.FileBytes{Name: media.Filename, Bytes: media.Data}
	} else if media.Handle != "" {
		file = tgbotapi.FileID(media.Handle)
	} else {
		return fmt.Errorf("telegram: photo has neither bytes nor handle")
	}

	photo := tgbotapi.NewPhoto(id, file)
	photo.Caption = caption
	sent, err := bot.Send(photo)
	if err != nil {
		return mapError(err)
	}
	if len(sent.Photo) > 0 {
		handle := sent.Photo[len(sent.Photo)-1].FileID
		if _, ok := c.cache.Get(cacheKey); ok {
			c.cache.SetHandle(cacheKey, handle)
		} else {
			c.cache.Put(cacheKey, nil, handle)
		}
	}
	return nil
}

// FetchFile downloads a file's bytes by Telegram file_id, consulting
// the media cache first.
func (c *Client) FetchFile(ctx context.Context, fileID string) ([]byte, error) {
	if entry, ok := c.cache.Get("tg:" + fileID); ok && entry.Data != nil {
		return entry.Data, nil
	}
	bot := c.currentBot()
	if bot == nil {
		return nil, fmt.Errorf("telegram: not connected: %w", platform.ErrUnavailable)
	}
	if err := c.limiter.Acquire(ctx, ratelimit.ClassFileFetch, ""); err != nil {
		return nil, fmt.Errorf("telegram: fetch file: %w", err)
	}

	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, mapError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: fetch file: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: fetch file: %w: %w", platform.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, "file download failed")
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: read file: %w", err)
	}
	c.cache.Put("tg:"+fileID, data, fileID)
	return data, nil
}

func (c *Client) currentBot() *tgbotapi.BotAPI {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bot
}

// pollLoop translates Telegram updates into bridge events until the
// update channel closes or Disconnect fires.
func (c *Client) pollLoop(bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				if c.OnFailure != nil {
					c.OnFailure(fmt.Errorf("telegram: update channel closed: %w", platform.ErrUnavailable))
				}
				return
			}
			if update.Message == nil {
				continue
			}
			evt, ok := c.translate(update.Message)
			if !ok {
				continue
			}
			select {
			case c.events <- evt:
			case <-stopCh:
				return
			}
		}
	}
}

// translate maps one Telegram message to the bridge's uniform event.
// Messages from disallowed users and payload-free updates are dropped.
func (c *Client) translate(msg *tgbotapi.Message) (platform.Event, bool) {
	if len(c.cfg.AllowFrom) > 0 && !allowed(c.cfg.AllowFrom, msg.From.ID) {
		slog.Warn("telegram message from disallowed user",
			"user_id", msg.From.ID, "username", msg.From.UserName)
		return platform.Event{}, false
	}

	evt := platform.Event{
		Platform:   platform.Telegram,
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: displayName(msg.From),
		Timestamp:  time.Unix(int64(msg.Date), 0),
	}

	switch {
	case msg.IsCommand():
		evt.Type = platform.EventCommand
		evt.Command = msg.Command()
		if args := msg.CommandArguments(); args != "" {
			evt.Args = strings.Fields(args)
		}
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		evt.Type = platform.EventPhoto
		evt.Content = msg.Caption
		evt.Media = &platform.Media{
			Handle: largest.FileID,
			Size:   int64(largest.FileSize),
			Mime:   "image/jpeg",
		}
	case msg.Text != "":
		evt.Type = platform.EventText
		evt.Content = msg.Text
	default:
		return platform.Event{}, false
	}
	return evt, true
}

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

func photoCacheKey(m *platform.Media) string {
	if m.Handle != "" {
		return "tg:" + m.Handle
	}
	return "tg:upload:" + m.Filename + ":" + strconv.FormatInt(m.Size, 10)
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func allowed(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// mapError converts a Telegram API error into the bridge taxonomy.
func mapError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return &platform.Error{
			Platform:   platform.Telegram,
			Message:    apiErr.Message,
			StatusCode: apiErr.Code,
			Kind:       kindForStatus(apiErr.Code),
		}
	}
	// Transport-level failure with no API response.
	return fmt.Errorf("telegram: %w: %w", platform.ErrUnavailable, err)
}

func mapStatus(status int, message string) error {
	return &platform.Error{
		Platform:   platform.Telegram,
		Message:    message,
		StatusCode: status,
		Kind:       kindForStatus(status),
	}
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusConflict:
		return platform.ErrSessionConflict
	case status == http.StatusTooManyRequests:
		return platform.ErrRateLimited
	case status == http.StatusNotFound:
		return platform.ErrNotFound
	case status >= 500:
		return platform.ErrUnavailable
	}
	return nil
}
