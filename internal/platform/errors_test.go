package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrapsToSentinel(t *testing.T) {
	err := &Error{
		Platform:   Mattermost,
		Code:       "store.sql_channel.save_channel.limit.app_error",
		Message:    "channel limit reached",
		StatusCode: 400,
		Kind:       ErrCapacity,
	}

	if !errors.Is(err, ErrCapacity) {
		t.Error("errors.Is(err, ErrCapacity) = false")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("errors.Is matched the wrong sentinel")
	}
}

func TestErrorThroughWrapping(t *testing.T) {
	inner := &Error{Platform: Telegram, Message: "conflict", StatusCode: 409, Kind: ErrSessionConflict}
	wrapped := fmt.Errorf("telegram: connect: %w", inner)

	if !errors.Is(wrapped, ErrSessionConflict) {
		t.Error("sentinel lost through fmt.Errorf wrapping")
	}
	pe, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError failed on wrapped chain")
	}
	if pe.StatusCode != 409 {
		t.Errorf("status = %d", pe.StatusCode)
	}
}

func TestAsErrorMiss(t *testing.T) {
	if _, ok := AsError(errors.New("plain")); ok {
		t.Error("AsError matched a plain error")
	}
}

func TestErrorString(t *testing.T) {
	withCode := &Error{Platform: Mattermost, Code: "api.err", Message: "boom"}
	if got := withCode.Error(); got != "mattermost: boom (api.err)" {
		t.Errorf("Error() = %q", got)
	}
	plain := &Error{Platform: Telegram, Message: "boom"}
	if got := plain.Error(); got != "telegram: boom" {
		t.Errorf("Error() = %q", got)
	}
}
