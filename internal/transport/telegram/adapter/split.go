package adapter

import "strings"

// splitText cuts s into parts of at most limit runes. A cut prefers the
// last newline in the window when it is not too early, and in HTML mode
// never lands inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	html := strings.EqualFold(parseMode, "HTML")
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}

	var parts []string
	for len(rest) > limit {
		cut := breakPoint(rest[:limit], html)
		parts = append(parts, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = trimLeadingNewlines(rest[cut:])
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

// breakPoint picks where to end the part held in window.
func breakPoint(window []rune, html bool) int {
	cut := len(window)
	for i := len(window) - 1; i >= len(window)/3 && i > 0; i-- {
		if window[i] == '\n' {
			cut = i + 1
			break
		}
	}
	if html {
		if open := openTagAt(window[:cut]); open > 1 {
			cut = open
		}
	}
	return cut
}

// openTagAt is the index of an unclosed '<' in rs, or -1.
func openTagAt(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		switch rs[i] {
		case '>':
			return -1
		case '<':
			return i
		}
	}
	return -1
}

func trimLeadingNewlines(rs []rune) []rune {
	for len(rs) > 0 && rs[0] == '\n' {
		rs = rs[1:]
	}
	return rs
}
