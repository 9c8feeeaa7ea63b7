package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamwatch/internal/classify"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/storage"
	logx "streamwatch/pkg/logx"
)

// onFailure applies the classified consequence of a transport failure.
//
// A non-nil returned error ends the activation: ErrChatRemoved and
// ErrChatMigrated for destination changes, err itself when unclassified.
// DropItem and transient verdicts return nil so the phase moves on; the
// caller decides what dropping means for its item.
func (e *Engine) onFailure(ctx context.Context, act *activation, err error, streamID string) (classify.Verdict, error) {
	chatID := act.chat.ID
	if cerr := ctx.Err(); cerr != nil {
		// Shutting down: the item stays queued for the next run.
		return classify.Verdict{}, cerr
	}
	v := classify.Classify(err)
	switch v.Action {
	case classify.PermanentBlock:
		if derr := e.store.DeleteChat(ctx, chatID); derr != nil {
			return v, fmt.Errorf("delete blocked chat %d: %w", chatID, derr)
		}
		act.log.Warn("chat removed", logx.String("reason", string(v.Reason)), logx.Err(err))
		e.publish(eventbus.TypeChatRemoved, eventbus.ChatRemoved{ChatID: chatID, Reason: string(v.Reason)})
		return v, fmt.Errorf("%w: chat %d: %s", ErrChatRemoved, chatID, v.Reason)

	case classify.Redirect:
		merged := false
		cerr := e.store.ChangeChatID(ctx, chatID, v.MigrateTo)
		if errors.Is(cerr, storage.ErrDuplicate) {
			if derr := e.store.DeleteChat(ctx, chatID); derr != nil {
				return v, fmt.Errorf("delete migrated chat %d: %w", chatID, derr)
			}
			merged = true
		} else if cerr != nil {
			return v, fmt.Errorf("migrate chat %d to %d: %w", chatID, v.MigrateTo, cerr)
		}
		act.log.Warn("chat migrated", logx.Int64("to", v.MigrateTo), logx.Bool("merged", merged))
		e.publish(eventbus.TypeChatMigrated, eventbus.ChatMigrated{From: chatID, To: v.MigrateTo, Merged: merged})
		return v, fmt.Errorf("%w: chat %d -> %d", ErrChatMigrated, chatID, v.MigrateTo)

	case classify.DropItem:
		act.log.Debug("stale item dropped", logx.String("reason", string(v.Reason)), logx.Err(err))
		return v, nil

	case classify.Transient, classify.RateLimited:
		e.suspend(ctx, act, v.Backoff, streamID, err)
		return v, nil

	default:
		e.suspend(ctx, act, v.Backoff, streamID, err)
		return v, err
	}
}

// suspend writes a backoff record so re-activations skip the chat until it
// expires. The record lists the streams still waiting for this chat.
func (e *Engine) suspend(ctx context.Context, act *activation, d time.Duration, streamID string, cause error) {
	if d <= 0 {
		d = classify.DefaultBackoff
	}
	stack := make([]string, 0, len(act.sendQ)+1)
	if streamID != "" {
		stack = append(stack, streamID)
	}
	stack = append(stack, act.sendQ...)

	until := e.now().Add(d)
	rec := storage.BackoffRecord{Stack: stack, Timeout: until.Unix()}
	if prev, ok, err := e.backoff.GetBackoff(ctx, act.chat.ID); err == nil && ok && prev.Timeout > rec.Timeout {
		rec.Timeout = prev.Timeout
	}
	if err := e.backoff.PutBackoff(ctx, act.chat.ID, rec); err != nil {
		act.log.Error("store backoff failed", logx.Err(err))
		return
	}
	act.suspended = true
	act.log.Warn("chat delivery suspended",
		logx.Duration("for", d),
		logx.Int("pending", len(stack)),
		logx.Err(cause),
	)
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}
