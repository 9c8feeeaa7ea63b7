package tgui

import (
	"fmt"
	"html"
	"strings"
)

// HTMLParseMode is the Telegram parse mode matching H values.
const HTMLParseMode = "HTML"

// H is HTML that is safe to pass to Telegram with ParseMode="HTML".
// Values of type H are already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H { return wrap("b", Esc(s)) }
func I(s string) H { return wrap("i", Esc(s)) }

// Link builds an anchor; both text and url are escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}
