package rules

import "strings"

// bestEffortRTPlus implements the fixed-AID, best-effort RadioText-Plus
// fallback decided in spec.md §9 Open Question (b): when the decoder
// doesn't surface a structured radiotext_plus tag (no 3A ODA group seen
// yet, or redsea running without --rbds extras), fall back to the
// conventional "ARTIST - TITLE" convention broadcasters use in plain
// RadioText. Returns ok=false when the text doesn't look like that shape,
// rather than guessing.
func bestEffortRTPlus(radiotext string) (artist, title string, ok bool) {
	text := strings.TrimSpace(radiotext)
	if text == "" {
		return "", "", false
	}
	idx := strings.Index(text, " - ")
	if idx <= 0 || idx >= len(text)-3 {
		return "", "", false
	}
	artist = strings.TrimSpace(text[:idx])
	title = strings.TrimSpace(text[idx+3:])
	if artist == "" || title == "" {
		return "", "", false
	}
	return artist, title, true
}
