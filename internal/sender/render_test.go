package sender

import (
	"strings"
	"testing"
	"unicode/utf8"

	"streamwatch/internal/storage"
	"streamwatch/pkg/tgui"
)

func TestDescriptionEscapesHTML(t *testing.T) {
	t.Parallel()
	st := storage.Stream{Title: "<b>hi</b> & bye", Game: "Dota 2", ChannelTitle: "Chan", URL: "https://goodgame.ru/channel/chan/"}
	got := Description(st)
	want := "<b>&lt;b&gt;hi&lt;/b&gt; &amp; bye</b>\n<i>Dota 2</i>\n<a href=\"https://goodgame.ru/channel/chan/\">Chan</a>"
	if got != want {
		t.Fatalf("Description =\n%s\nwant\n%s", got, want)
	}
}

func TestCaptionFitsTelegramLimit(t *testing.T) {
	t.Parallel()
	st := storage.Stream{Title: strings.Repeat("x", 5000), Game: "g", IsRecord: true, ChannelTitle: "c", URL: "https://e.x/"}
	got := Caption(st)
	if n := utf8.RuneCountInString(got); n > tgui.MaxCaptionRunes {
		t.Fatalf("caption has %d runes", n)
	}
	if !strings.HasSuffix(got, "https://e.x/") {
		t.Fatalf("caption lost url: %q", got[len(got)-40:])
	}
}

func TestRenderPicksByType(t *testing.T) {
	t.Parallel()
	st := storage.Stream{Title: "t", URL: "u"}
	if Render(storage.MessagePhoto, st) != Caption(st) {
		t.Fatalf("photo should render caption")
	}
	if Render(storage.MessageText, st) != Description(st) {
		t.Fatalf("text should render description")
	}
}
