// Package tgui holds the small Telegram formatting helpers used to render
// stream notifications: HTML escaping and tags for ParseMode="HTML", and
// rune-aware truncation against Telegram's text limits.
package tgui
