package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// MessageType tells which edit call applies to a sent message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessagePhoto MessageType = "photo"
)

// SendOptions are the per-call knobs used by the delivery engine.
type SendOptions struct {
	ParseMode           string
	DisablePreview      bool
	DisableNotification bool
}

// PhotoSource is exactly one of URL, FileID or Reader.
type PhotoSource struct {
	URL    string
	FileID string

	Reader io.Reader
}

func (p PhotoSource) String() string {
	switch {
	case p.FileID != "":
		return "file_id"
	case p.URL != "":
		return "url"
	case p.Reader != nil:
		return "upload"
	default:
		return "empty"
	}
}

// SentMessage is what the transport reports back after a send or edit.
type SentMessage struct {
	ID     int
	ChatID int64
	// PhotoFileID is the id of the largest photo size, empty for text.
	PhotoFileID string
}

// MessageRef addresses an existing message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Transport is the outbound messaging API.
//
// Failures are returned as *Error whenever the remote side produced one.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, opt *SendOptions) (SentMessage, error)
	SendPhoto(ctx context.Context, chatID int64, photo PhotoSource, caption string, opt *SendOptions) (SentMessage, error)
	EditMessageText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditMessageCaption(ctx context.Context, ref MessageRef, caption string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Error is a structured transport failure.
type Error struct {
	// Code is the API error code (Telegram uses HTTP-like values).
	Code int
	// HTTPStatus is the status of the HTTP exchange when known.
	HTTPStatus  int
	Description string
	// MigrateToID is set when the destination moved to a new id.
	MigrateToID int64
	RetryAfter  time.Duration
}

func (e *Error) Error() string {
	if e.MigrateToID != 0 {
		return fmt.Sprintf("transport: %s (code=%d, migrate_to=%d)", e.Description, e.Code, e.MigrateToID)
	}
	return fmt.Sprintf("transport: %s (code=%d)", e.Description, e.Code)
}

// Status returns HTTPStatus, falling back to Code.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return e.Code
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) && te != nil {
		return te, true
	}
	return nil, false
}
