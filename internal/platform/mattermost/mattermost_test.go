package mattermost

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/deskbridge-io/deskbridge/internal/clock"
	"github.com/deskbridge-io/deskbridge/internal/platform"
	"github.com/deskbridge-io/deskbridge/internal/ratelimit"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	limiter := ratelimit.New(clk, ratelimit.Config{WaitTimeout: time.Second})
	events := make(chan platform.Event, 8)
	c := New(Config{ServerURL: "https://chat.example.com", Token: "tok"}, events, limiter)
	c.botID = "bot-user"
	return c
}

func postedEvent(t *testing.T, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	evt := model.NewWebSocketEvent(model.WebsocketEventPosted, "", post.ChannelId, "", nil, "")
	return evt.SetData(map[string]any{
		"post":        string(raw),
		"sender_name": senderName,
	})
}

func TestTranslateStaffPost(t *testing.T) {
	c := newTestClient(t)
	evt, ok := c.translate(postedEvent(t, &model.Post{
		ChannelId: "chan-1",
		UserId:    "staff-1",
		Message:   "we shipped a replacement",
		CreateAt:  1700000100000,
	}, "@sam"))
	if !ok {
		t.Fatal("expected event")
	}
	if evt.Type != platform.EventText {
		t.Errorf("type = %s, want text", evt.Type)
	}
	if evt.ChannelID != "chan-1" || evt.SenderID != "staff-1" {
		t.Errorf("ids = %s/%s", evt.ChannelID, evt.SenderID)
	}
	if evt.SenderName != "sam" {
		t.Errorf("sender name = %q, want sam", evt.SenderName)
	}
	if !evt.Timestamp.Equal(time.UnixMilli(1700000100000)) {
		t.Errorf("timestamp = %v", evt.Timestamp)
	}
}

func TestTranslateCommand(t *testing.T) {
	c := newTestClient(t)
	evt, ok := c.translate(postedEvent(t, &model.Post{
		ChannelId: "chan-1",
		UserId:    "staff-1",
		Message:   "!claim urgent please",
	}, "@sam"))
	if !ok {
		t.Fatal("expected event")
	}
	if evt.Type != platform.EventCommand || evt.Command != "claim" {
		t.Errorf("got type=%s command=%q, want command/claim", evt.Type, evt.Command)
	}
	if len(evt.Args) != 2 || evt.Args[0] != "urgent" {
		t.Errorf("args = %v", evt.Args)
	}
}

func TestTranslateSkipsOwnPosts(t *testing.T) {
	c := newTestClient(t)
	if _, ok := c.translate(postedEvent(t, &model.Post{
		ChannelId: "chan-1",
		UserId:    "bot-user",
		Message:   "relayed text",
	}, "@deskbridge")); ok {
		t.Error("bot's own post should be skipped")
	}
}

func TestTranslateSkipsWebhookPosts(t *testing.T) {
	c := newTestClient(t)
	post := &model.Post{ChannelId: "chan-1", UserId: "hook-user", Message: "relayed"}
	post.AddProp("from_webhook", "true")
	if _, ok := c.translate(postedEvent(t, post, "@customer")); ok {
		t.Error("webhook-delivered post should be skipped")
	}
}

func TestTranslateEdit(t *testing.T) {
	c := newTestClient(t)
	raw, _ := json.Marshal(&model.Post{ChannelId: "chan-1", UserId: "staff-1", Message: "fixed typo"})
	evt := model.NewWebSocketEvent(model.WebsocketEventPostEdited, "", "chan-1", "", nil, "")
	evt = evt.SetData(map[string]any{"post": string(raw), "sender_name": "@sam"})

	got, ok := c.translate(evt)
	if !ok {
		t.Fatal("expected event")
	}
	if got.Type != platform.EventEdit {
		t.Errorf("type = %s, want edit", got.Type)
	}
}

func TestTranslateIgnoresOtherEventTypes(t *testing.T) {
	c := newTestClient(t)
	evt := model.NewWebSocketEvent(model.WebsocketEventTyping, "", "chan-1", "", nil, "")
	if _, ok := c.translate(evt); ok {
		t.Error("typing event should be ignored")
	}
}

func TestMapErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		id     string
		want   error
	}{
		{"not found", 404, "api.channel.not_found", platform.ErrNotFound},
		{"rate limited", 429, "api.rate_limit", platform.ErrRateLimited},
		{"server error", 503, "api.down", platform.ErrUnavailable},
		{"channel limit", 400, "store.sql_channel.save_channel.limit.app_error", platform.ErrCapacity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapError(&model.AppError{Id: tc.id, StatusCode: tc.status, Message: "boom"})
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestMapErrorTransport(t *testing.T) {
	err := mapError(errors.New("dial tcp: connection refused"))
	if !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("transport error should map to unavailable, got %v", err)
	}
}

func TestWSURL(t *testing.T) {
	if got := wsURL("https://chat.example.com"); got != "wss://chat.example.com" {
		t.Errorf("got %q", got)
	}
	if got := wsURL("http://localhost:8065"); got != "ws://localhost:8065" {
		t.Errorf("got %q", got)
	}
}
