package sender

import "errors"

var (
	// ErrChatRemoved aborts an activation after the chat was deleted.
	ErrChatRemoved = errors.New("sender: chat removed")
	// ErrChatMigrated aborts an activation after the chat id was rewritten
	// (or the chat was merged into an existing one).
	ErrChatMigrated = errors.New("sender: chat migrated")
	// ErrPreviewsInvalid means no preview URL of a stream could be fetched.
	ErrPreviewsInvalid = errors.New("sender: previews invalid")
	// ErrFileIDNotFound means the cached preview file id was rejected.
	ErrFileIDNotFound = errors.New("sender: preview file id not found")
)

// IsTerminal reports whether err ended the activation because the chat is
// gone or has a new id.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrChatRemoved) || errors.Is(err, ErrChatMigrated)
}
