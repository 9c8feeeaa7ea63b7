package storage

import (
	"context"
	"time"
)

// Store is the persistence API used by the poller, the delivery engine and the
// subscription layer.
type Store interface {
	// Channels.
	PutChannel(ctx context.Context, ch Channel) error
	GetChannel(ctx context.Context, id string) (Channel, error)
	// ChannelsForSync returns up to limit channels of service whose sync
	// timeout has expired and which were last synced before syncedBefore,
	// earliest timeout first.
	ChannelsForSync(ctx context.Context, service string, limit int, now, syncedBefore time.Time) ([]Channel, error)
	SetChannelsSyncTimeout(ctx context.Context, ids []string, until time.Time) error
	SetChannelsSynced(ctx context.Context, ids []string, at time.Time) error
	SetChannelTitle(ctx context.Context, id, title string) error
	// ChannelIDs pages through the channel ids of a service in id order.
	ChannelIDs(ctx context.Context, service, afterID string, limit int) ([]string, error)
	// DeleteChannels drops channels with their subscriptions and pending
	// sends; their live streams are ended so sent messages get cleaned up.
	DeleteChannels(ctx context.Context, ids []string) error

	// Streams.
	LiveStreams(ctx context.Context, channelIDs []string) ([]Stream, error)
	GetStream(ctx context.Context, id string) (Stream, error)
	// InsertStream stores a new stream and queues it for every subscribed
	// chat (and their companion channels). It returns the queued chat ids.
	InsertStream(ctx context.Context, s Stream) ([]int64, error)
	// UpdateStream stores fresh stream data; when changed is true the
	// stream's messages are flagged for re-render.
	UpdateStream(ctx context.Context, s Stream, changed bool) error
	// EndStreams marks streams offline and drops their pending sends.
	EndStreams(ctx context.Context, ids []string, at time.Time) error
	SetStreamPreviewFileID(ctx context.Context, streamID, fileID string) error
	// CleanupStreams deletes ended streams older than before that no longer
	// have messages or pending sends.
	CleanupStreams(ctx context.Context, before time.Time) (int64, error)

	// Chats and subscriptions.
	PutChat(ctx context.Context, c Chat) error
	GetChat(ctx context.Context, id int64) (Chat, error)
	DeleteChat(ctx context.Context, id int64) error
	// ChangeChatID moves a chat and everything it owns to newID.
	// It returns ErrDuplicate when newID is already taken.
	ChangeChatID(ctx context.Context, oldID, newID int64) error
	Subscribe(ctx context.Context, chatID int64, channelID string) error
	Unsubscribe(ctx context.Context, chatID int64, channelID string) error

	// Per-chat delivery queues.
	PendingStreamIDs(ctx context.Context, chatID int64, limit int) ([]string, error)
	DropPendingStream(ctx context.Context, chatID int64, streamID string) error
	MessagesWithChanges(ctx context.Context, chatID int64, limit int) ([]Message, error)
	MessagesForDelete(ctx context.Context, chatID int64, limit int) ([]Message, error)
	// CommitSentMessage removes the pending send and records the message.
	CommitSentMessage(ctx context.Context, m Message) error
	UpdateMessageText(ctx context.Context, chatID int64, id int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, id int) error
	// ChatIDsPendingStream lists chats that still have to send streamID.
	ChatIDsPendingStream(ctx context.Context, streamID string) ([]int64, error)
	// ChatIDsWithWork lists chats with anything to send, update or delete.
	ChatIDsWithWork(ctx context.Context) ([]int64, error)

	BackoffStore

	Close() error
}

// BackoffStore keeps per-chat delivery suppression windows.
type BackoffStore interface {
	GetBackoff(ctx context.Context, chatID int64) (BackoffRecord, bool, error)
	PutBackoff(ctx context.Context, chatID int64, rec BackoffRecord) error
	DeleteBackoff(ctx context.Context, chatID int64) error
	// PruneBackoff removes records that expired before now.
	PruneBackoff(ctx context.Context, now time.Time) (int, error)
}
