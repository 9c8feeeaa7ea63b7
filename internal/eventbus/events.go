package eventbus

// Event types published by the poller and the delivery engine.
const (
	TypeStreamNew       = "stream.new"
	TypeStreamsEnded    = "stream.ended"
	TypeChannelsRemoved = "channel.removed"
	TypeChatRemoved     = "chat.removed"
	TypeChatMigrated    = "chat.migrated"
)

// StreamNew is published once a newly live stream has been stored and queued.
type StreamNew struct {
	StreamID  string
	ChannelID string
	// ChatIDs are the chats the stream was queued for.
	ChatIDs []int64
}

type StreamsEnded struct {
	StreamIDs []string
}

// ChannelsRemoved lists channels confirmed gone upstream.
type ChannelsRemoved struct {
	Service    string
	ChannelIDs []string
}

type ChatRemoved struct {
	ChatID int64
	Reason string
}

type ChatMigrated struct {
	From int64
	To   int64
	// Merged is true when To already existed and From was dropped instead.
	Merged bool
}
