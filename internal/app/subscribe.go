package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamwatch/internal/source"
	"streamwatch/internal/storage"
	logx "streamwatch/pkg/logx"
)

// SubscriptionStore is the slice of storage.Store that subscriptions need.
type SubscriptionStore interface {
	GetChannel(ctx context.Context, id string) (storage.Channel, error)
	PutChannel(ctx context.Context, ch storage.Channel) error
	GetChat(ctx context.Context, id int64) (storage.Chat, error)
	PutChat(ctx context.Context, c storage.Chat) error
	Subscribe(ctx context.Context, chatID int64, channelID string) error
	Unsubscribe(ctx context.Context, chatID int64, channelID string) error
}

// Subscriptions links chats to channels, registering either on first use.
type Subscriptions struct {
	store   SubscriptionStore
	sources *source.Registry
	log     logx.Logger
	now     func() time.Time
}

func NewSubscriptions(store SubscriptionStore, sources *source.Registry, log logx.Logger) *Subscriptions {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Subscriptions{store: store, sources: sources, log: log, now: time.Now}
}

// resolve picks the source for query: a channel URL, or a "service:id" pair.
func (s *Subscriptions) resolve(query string) (source.Source, string, error) {
	if src, ok := s.sources.ForURL(query); ok {
		return src, query, nil
	}
	if svc, raw, ok := source.Unwrap(query); ok {
		if src, ok := s.sources.Get(svc); ok {
			return src, raw, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %q", source.ErrUnknownService, query)
}

// Add subscribes chatID to the channel query points at and returns the channel.
// The channel is polled on the next check cycle.
func (s *Subscriptions) Add(ctx context.Context, chatID int64, query string) (storage.Channel, error) {
	query = strings.TrimSpace(query)
	src, q, err := s.resolve(query)
	if err != nil {
		return storage.Channel{}, err
	}
	info, err := src.FindChannel(ctx, q)
	if err != nil {
		return storage.Channel{}, fmt.Errorf("find channel: %w", err)
	}

	id := source.Wrap(src.ID(), info.ID)
	ch, err := s.store.GetChannel(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ch = storage.Channel{ID: id, Service: src.ID(), Title: info.Title, URL: info.URL}
		if err := s.store.PutChannel(ctx, ch); err != nil {
			return storage.Channel{}, fmt.Errorf("put channel: %w", err)
		}
	case err != nil:
		return storage.Channel{}, fmt.Errorf("get channel: %w", err)
	}

	if _, err := s.store.GetChat(ctx, chatID); errors.Is(err, storage.ErrNotFound) {
		if err := s.store.PutChat(ctx, storage.Chat{ID: chatID, CreatedAt: s.now()}); err != nil {
			return storage.Channel{}, fmt.Errorf("put chat: %w", err)
		}
	} else if err != nil {
		return storage.Channel{}, fmt.Errorf("get chat: %w", err)
	}

	if err := s.store.Subscribe(ctx, chatID, id); err != nil {
		return storage.Channel{}, fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("chat subscribed", logx.Int64("chat_id", chatID), logx.String("channel", id))
	return ch, nil
}

func (s *Subscriptions) Remove(ctx context.Context, chatID int64, channelID string) error {
	if err := s.store.Unsubscribe(ctx, chatID, channelID); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	s.log.Info("chat unsubscribed", logx.Int64("chat_id", chatID), logx.String("channel", channelID))
	return nil
}
