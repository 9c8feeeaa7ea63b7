package sender

import (
	"context"
	"errors"
	"fmt"

	"streamwatch/internal/classify"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
	"streamwatch/pkg/tgui"
)

// activation is the state of one drive of one chat.
//
// Popped ids are remembered for the whole activation so an item that keeps
// failing (and stays queued in the store) is not picked up again until the
// next activation.
type activation struct {
	chat storage.Chat
	log  logx.Logger

	sendQ   []string
	updateQ []storage.Message
	deleteQ []storage.Message

	seenSend   map[string]struct{}
	seenUpdate map[int]struct{}
	seenDelete map[int]struct{}

	fallbacks int
	suspended bool
}

func newActivation(chat storage.Chat, log logx.Logger) *activation {
	return &activation{
		chat:       chat,
		log:        log,
		seenSend:   map[string]struct{}{},
		seenUpdate: map[int]struct{}{},
		seenDelete: map[int]struct{}{},
	}
}

func unseenMessages(msgs []storage.Message, seen map[int]struct{}) []storage.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// sendNext sends one pending stream. It reports true when nothing is left.
func (e *Engine) sendNext(ctx context.Context, act *activation) (bool, error) {
	chatID := act.chat.ID
	if len(act.sendQ) == 0 {
		ids, err := e.store.PendingStreamIDs(ctx, chatID, e.cfg.BatchSize)
		if err != nil {
			return false, fmt.Errorf("load pending streams: %w", err)
		}
		for _, id := range ids {
			if _, ok := act.seenSend[id]; !ok {
				act.sendQ = append(act.sendQ, id)
			}
		}
		if len(act.sendQ) == 0 {
			return true, nil
		}
	}
	streamID := act.sendQ[0]
	act.sendQ = act.sendQ[1:]
	act.seenSend[streamID] = struct{}{}

	st, err := e.store.GetStream(ctx, streamID)
	if errors.Is(err, storage.ErrNotFound) {
		act.log.Debug("pending stream is gone", logx.String("stream", streamID))
		if err := e.store.DropPendingStream(ctx, chatID, streamID); err != nil {
			return false, fmt.Errorf("drop pending stream: %w", err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load stream %s: %w", streamID, err)
	}

	msg, err := e.sendStream(ctx, act, st)
	if err != nil {
		v, ferr := e.onFailure(ctx, act, err, streamID)
		if ferr != nil {
			return false, ferr
		}
		if v.Action == classify.DropItem {
			if err := e.store.DropPendingStream(ctx, chatID, streamID); err != nil {
				return false, fmt.Errorf("drop pending stream: %w", err)
			}
		}
		return false, nil
	}
	// The message is out; record it even if the drive is being cancelled,
	// or the next run would send it again.
	sctx, cancel := settled(ctx)
	err = e.store.CommitSentMessage(sctx, msg)
	cancel()
	if err != nil {
		return false, fmt.Errorf("store sent message: %w", err)
	}
	act.log.Info("stream sent",
		logx.String("stream", st.ID),
		logx.String("type", string(msg.Type)),
		logx.Int("message_id", msg.ID),
	)
	return false, nil
}

// sendStream picks photo or text for st and sends it.
func (e *Engine) sendStream(ctx context.Context, act *activation, st storage.Stream) (storage.Message, error) {
	if act.chat.HidePreview || len(st.Previews) == 0 {
		return e.sendAsText(ctx, act.chat, st)
	}
	msg, fellBack, err := e.sendAsPhoto(ctx, act.chat, st)
	if fellBack {
		act.fallbacks++
	}
	return msg, err
}

func (e *Engine) sendAsText(ctx context.Context, chat storage.Chat, st storage.Stream) (storage.Message, error) {
	text := Description(st)
	opt := &transport.SendOptions{
		ParseMode:           tgui.HTMLParseMode,
		DisableNotification: chat.Mute,
	}
	var sent transport.SentMessage
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		sent, err = e.tr.SendMessage(ctx, chat.ID, text, opt)
		return err
	})
	if err != nil {
		return storage.Message{}, err
	}
	return storage.Message{
		ID:        sent.ID,
		ChatID:    chat.ID,
		StreamID:  st.ID,
		Type:      storage.MessageText,
		Text:      text,
		CreatedAt: e.now(),
	}, nil
}

// sendAsPhoto sends st with its preview. When no preview can be used it
// falls back to a text message and reports fellBack.
func (e *Engine) sendAsPhoto(ctx context.Context, chat storage.Chat, st storage.Stream) (msg storage.Message, fellBack bool, err error) {
	caption := Caption(st)
	opt := &transport.SendOptions{DisableNotification: chat.Mute}
	sent, err := e.sendPhoto(ctx, chat.ID, st, caption, opt)
	if err == nil {
		return storage.Message{
			ID:        sent.ID,
			ChatID:    chat.ID,
			StreamID:  st.ID,
			Type:      storage.MessagePhoto,
			Text:      caption,
			CreatedAt: e.now(),
		}, false, nil
	}
	if !errors.Is(err, ErrPreviewsInvalid) && !errors.Is(err, ErrFileIDNotFound) {
		return storage.Message{}, false, err
	}
	e.log.Debug("photo send fell back to text",
		logx.Int64("chat_id", chat.ID),
		logx.String("stream", st.ID),
		logx.Err(err),
	)
	msg, err = e.sendAsText(ctx, chat, st)
	return msg, true, err
}

// updateNext re-renders one changed message. It reports true when nothing
// is left.
func (e *Engine) updateNext(ctx context.Context, act *activation) (bool, error) {
	chatID := act.chat.ID
	if len(act.updateQ) == 0 {
		msgs, err := e.store.MessagesWithChanges(ctx, chatID, e.cfg.BatchSize)
		if err != nil {
			return false, fmt.Errorf("load changed messages: %w", err)
		}
		act.updateQ = unseenMessages(msgs, act.seenUpdate)
		if len(act.updateQ) == 0 {
			return true, nil
		}
	}
	m := act.updateQ[0]
	act.updateQ = act.updateQ[1:]
	act.seenUpdate[m.ID] = struct{}{}

	st, err := e.store.GetStream(ctx, m.StreamID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load stream %s: %w", m.StreamID, err)
	}

	text := Render(m.Type, st)
	if text == m.Text {
		if err := e.store.UpdateMessageText(ctx, chatID, m.ID, text); err != nil {
			return false, fmt.Errorf("clear message changes: %w", err)
		}
		return false, nil
	}

	ref := transport.MessageRef{ChatID: chatID, MessageID: m.ID}
	err = e.call(ctx, func(ctx context.Context) error {
		if m.Type == storage.MessagePhoto {
			return e.tr.EditMessageCaption(ctx, ref, text, nil)
		}
		return e.tr.EditMessageText(ctx, ref, text, &transport.SendOptions{ParseMode: tgui.HTMLParseMode})
	})
	if err != nil {
		v, ferr := e.onFailure(ctx, act, err, "")
		if ferr != nil {
			return false, ferr
		}
		if v.Action != classify.DropItem {
			return false, nil
		}
		if v.Reason != classify.ReasonNotModified {
			sctx, cancel := settled(ctx)
			err := e.store.DeleteMessage(sctx, chatID, m.ID)
			cancel()
			if err != nil {
				return false, fmt.Errorf("delete stale message: %w", err)
			}
			return false, nil
		}
	}
	sctx, cancel := settled(ctx)
	err = e.store.UpdateMessageText(sctx, chatID, m.ID, text)
	cancel()
	if err != nil {
		return false, fmt.Errorf("store message text: %w", err)
	}
	act.log.Debug("message updated", logx.Int("message_id", m.ID), logx.String("stream", m.StreamID))
	return false, nil
}

// deleteNext removes one message of an ended stream. It reports true when
// nothing is left.
func (e *Engine) deleteNext(ctx context.Context, act *activation) (bool, error) {
	chatID := act.chat.ID
	if len(act.deleteQ) == 0 {
		msgs, err := e.store.MessagesForDelete(ctx, chatID, e.cfg.BatchSize)
		if err != nil {
			return false, fmt.Errorf("load messages for delete: %w", err)
		}
		act.deleteQ = unseenMessages(msgs, act.seenDelete)
		if len(act.deleteQ) == 0 {
			return true, nil
		}
	}
	m := act.deleteQ[0]
	act.deleteQ = act.deleteQ[1:]
	act.seenDelete[m.ID] = struct{}{}

	if act.chat.IsEnabledAutoClean && e.now().Sub(m.CreatedAt) < e.cfg.AutoCleanMaxAge {
		ref := transport.MessageRef{ChatID: chatID, MessageID: m.ID}
		err := e.call(ctx, func(ctx context.Context) error {
			return e.tr.DeleteMessage(ctx, ref)
		})
		if err != nil {
			if _, ferr := e.onFailure(ctx, act, err, ""); ferr != nil {
				return false, ferr
			}
		}
	}
	sctx, cancel := settled(ctx)
	err := e.store.DeleteMessage(sctx, chatID, m.ID)
	cancel()
	if err != nil {
		return false, fmt.Errorf("delete message row: %w", err)
	}
	return false, nil
}
