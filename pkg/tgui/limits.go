package tgui

// Telegram counts these limits in characters after entity parsing; runes of
// the source text are a safe upper bound.
const (
	MaxMessageRunes = 4096
	MaxCaptionRunes = 1024
)
