package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"

	"streamwatch/internal/transport"
)

func TestMapErrorTelebotError(t *testing.T) {
	t.Parallel()
	err := mapError(tele.ErrChatNotFound)
	te, ok := transport.AsError(err)
	if !ok {
		t.Fatalf("expected *transport.Error, got %T", err)
	}
	if te.Code != 400 {
		t.Fatalf("Code = %d, want 400", te.Code)
	}
	if te.Description == "" {
		t.Fatalf("description is empty")
	}
}

func TestMapErrorGeneric(t *testing.T) {
	t.Parallel()
	err := mapError(fmt.Errorf("telegram: Forbidden: bot was blocked by the user (403)"))
	te, ok := transport.AsError(err)
	if !ok {
		t.Fatalf("expected *transport.Error, got %T", err)
	}
	if te.Code != 403 || te.Description != "Forbidden: bot was blocked by the user" {
		t.Fatalf("unexpected mapping: %+v", te)
	}
}

func TestMapErrorPassesThroughNetworkErrors(t *testing.T) {
	t.Parallel()
	err := mapError(context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := transport.AsError(err); ok {
		t.Fatalf("network errors must not be turned into API errors")
	}
}

func TestSendOptions(t *testing.T) {
	t.Parallel()
	o := sendOptions(&transport.SendOptions{ParseMode: "HTML", DisableNotification: true})
	if o.ParseMode != tele.ModeHTML || !o.DisableNotification {
		t.Fatalf("unexpected options: %+v", o)
	}
	if sendOptions(nil) == nil {
		t.Fatalf("nil options must map to defaults")
	}
}
