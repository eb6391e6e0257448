package parse

import "strings"

// updateGlyphs are the leading markers of progress updates. Single-codepoint
// forms are used so the emoji-presentation variants (with U+FE0F) match too.
var updateGlyphs = []string{"🎉", "🔥", "🌕", "⚡", "🚀", "🌙"}

var cryptoSymbols = []string{"🚀", "⚡", "$", "CA:"}

// IsCryptoCall is the cheap surface test run before the parser. It never
// rejects a message the parser would accept; extra acceptances are fine
// because the parser stays authoritative.
func IsCryptoCall(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	hasDigit := strings.ContainsAny(text, "0123456789")

	// Discovery shape: "[Token (SYM)](url) ... Cap:` **45.9K**".
	if strings.Contains(lower, "cap:") && strings.ContainsAny(text, "()[]") && hasDigit {
		return true
	}

	// Legacy result shape: "Entry: ... Peak: ..." plus a multiplier,
	// an MC tag, or one of the usual call markers.
	if strings.Contains(lower, "entry") && strings.Contains(lower, "peak") {
		hasMultiplier := strings.Contains(lower, "x") && hasDigit
		hasMC := strings.Contains(lower, "mc")
		if hasMultiplier || hasMC || containsAny(text, cryptoSymbols) {
			return true
		}
	}

	// Update shape: leading glyph, "From ... ↗️", and digits.
	if containsAny(text, updateGlyphs) && strings.Contains(lower, "from") &&
		strings.Contains(text, "↗️") && hasDigit {
		return true
	}

	// Bonding lifecycle marker.
	return strings.Contains(lower, "bonded")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
