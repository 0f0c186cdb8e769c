// ABOUTME: Text helpers shared by the chat senders
// ABOUTME: Rune-safe chunking on natural boundaries and markdown dialect conversion

package outbound

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// SplitText breaks text into chunks of at most limit runes, preferring
// paragraph, line, sentence and word boundaries in that order.
func SplitText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := []rune(text)
	for len(rest) > limit {
		window := string(rest[:limit])
		cut := bestCut(window)
		if cut <= 0 {
			cut = len(window)
		}
		chunk := strings.TrimSpace(window[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest = []rune(strings.TrimLeft(string(rest)[len(window[:cut]):], " \n\t"))
	}
	if tail := strings.TrimSpace(string(rest)); tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// bestCut returns a byte offset in window to cut at, or -1.
func bestCut(window string) int {
	// do not cut so early that chunks become tiny
	minCut := len(window) / 3
	for _, sep := range []string{"\n\n", "\n", ". ", " "} {
		if i := strings.LastIndex(window, sep); i >= minCut && i > 0 {
			return i + len(sep)
		}
	}
	return -1
}

var (
	mdBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdStrike = regexp.MustCompile(`~~(.+?)~~`)
)

// whatsAppMarkdown converts common markdown emphasis to WhatsApp formatting.
func whatsAppMarkdown(text string) string {
	text = mdBold.ReplaceAllString(text, "*$1*")
	return mdStrike.ReplaceAllString(text, "~$1~")
}

// instagramMarkdown only flattens bold markers.
func instagramMarkdown(text string) string {
	return mdBold.ReplaceAllString(text, "*$1*")
}
