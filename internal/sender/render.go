package sender

import (
	"strings"
	"unicode/utf8"

	"streamwatch/internal/storage"
	"streamwatch/pkg/tgui"
)

const maxTitleRunes = 1000

// Description is the HTML body of a text notification.
func Description(st storage.Stream) string {
	var meta []string
	if st.Game != "" {
		meta = append(meta, st.Game)
	}
	if st.IsRecord {
		meta = append(meta, "record")
	}

	lines := []tgui.H{
		tgui.B(tgui.TruncRunes(st.Title, maxTitleRunes)),
	}
	if len(meta) > 0 {
		lines = append(lines, tgui.I(strings.Join(meta, ", ")))
	}
	name := st.ChannelTitle
	if name == "" {
		name = st.URL
	}
	if st.URL != "" {
		lines = append(lines, tgui.Link(name, st.URL))
	} else {
		lines = append(lines, tgui.Esc(name))
	}
	return tgui.JoinH("\n", lines...).String()
}

// Caption is the plain-text caption of a photo notification. The title line
// is shortened first so the link survives the caption limit.
func Caption(st storage.Stream) string {
	head := st.Title
	if st.Game != "" {
		head += " — " + st.Game
	}
	if st.IsRecord {
		head += " (record)"
	}
	var tail []string
	if st.ChannelTitle != "" {
		tail = append(tail, st.ChannelTitle)
	}
	if st.URL != "" {
		tail = append(tail, st.URL)
	}
	rest := strings.Join(tail, "\n")
	budget := tgui.MaxCaptionRunes
	if rest != "" {
		budget -= utf8.RuneCountInString(rest) + 1
	}
	if budget < 1 {
		return tgui.TruncRunes(rest, tgui.MaxCaptionRunes)
	}
	head = tgui.TruncRunes(head, min(budget, maxTitleRunes))
	if rest == "" {
		return head
	}
	return head + "\n" + rest
}

// Render returns the text a message of type t shows for st.
func Render(t storage.MessageType, st storage.Stream) string {
	if t == storage.MessagePhoto {
		return Caption(st)
	}
	return Description(st)
}
