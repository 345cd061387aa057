package dispatch

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// SplitMessage splits s into chunks of at most limit UTF-16 code units, the
// unit Discord measures message length in. A chunk ends at the last space
// inside the limit when that space lies past window; otherwise it is cut hard
// at the limit. Leading and trailing whitespace of each remainder is dropped.
func SplitMessage(s string, limit, window int) []string {
	s = strings.TrimSpace(s)
	var parts []string
	for units(s) > limit {
		cut := cutIndex(s, limit)
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		if space := strings.LastIndexByte(s[:cut+boundaryLen(s, cut)], ' '); space > 0 && units(s[:space]) > window {
			cut = space
		}
		parts = append(parts, s[:cut])
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// cutIndex returns the byte offset after the longest prefix of s that fits in
// limit UTF-16 units.
func cutIndex(s string, limit int) int {
	n := 0
	for i, r := range s {
		l := utf16.RuneLen(r)
		if l < 0 {
			l = 1
		}
		if n+l > limit {
			return i
		}
		n += l
	}
	return len(s)
}

// boundaryLen lets a space sitting exactly at the cut point count as a break.
func boundaryLen(s string, cut int) int {
	if cut < len(s) && s[cut] == ' ' {
		return 1
	}
	return 0
}

func units(s string) int {
	n := 0
	for _, r := range s {
		l := utf16.RuneLen(r)
		if l < 0 {
			l = 1
		}
		n += l
	}
	return n
}
