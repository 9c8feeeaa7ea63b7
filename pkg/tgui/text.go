package tgui

// TruncRunes returns s cut to at most n runes, the last one being "…" when
// anything was dropped.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i := range s {
		if count == n-1 {
			cut = i
		}
		if count == n {
			return s[:cut] + "…"
		}
		count++
	}
	return s
}
