package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate id")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): DSN is a file path
//   - "postgres": DSN is a pgx connection string
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Channel is a tracked broadcaster on one platform.
// ID is service-qualified, e.g. "goodgame:somebody".
type Channel struct {
	ID                   string
	Service              string
	Title                string
	URL                  string
	LastSyncAt           time.Time
	SyncTimeoutExpiresAt time.Time
}

// Stream is one detected live broadcast of a Channel.
type Stream struct {
	ID        string
	ChannelID string
	URL       string
	Title     string
	Game      string
	IsRecord  bool
	// Previews are candidate thumbnail URLs, first preferred.
	Previews     []string
	Viewers      *int
	ChannelTitle string
	// TelegramPreviewFileID caches the uploaded preview; empty until the
	// first successful photo send.
	TelegramPreviewFileID string
	IsOffline             bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Chat is a notification destination.
type Chat struct {
	ID int64
	// ChannelID is an optional companion broadcast channel, 0 when unset.
	ChannelID          int64
	HidePreview        bool
	Mute               bool
	IsEnabledAutoClean bool
	CreatedAt          time.Time
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessagePhoto MessageType = "photo"
)

// Message is a delivered notification. (ChatID, ID) is unique.
type Message struct {
	ID         int
	ChatID     int64
	StreamID   string
	Type       MessageType
	Text       string
	HasChanges bool
	CreatedAt  time.Time
}

// BackoffRecord suppresses delivery to a chat until Timeout (epoch seconds).
// The JSON shape is shared with older deployments.
type BackoffRecord struct {
	Stack   []string `json:"stack"`
	Timeout int64    `json:"timeout"`
}

// Active reports whether the record still suppresses delivery at now.
func (r BackoffRecord) Active(now time.Time) bool {
	return r.Timeout > now.Unix()
}
