package textutil

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Episode is the show/season/episode triple encoded in names such as
// "the_wire_s02_ep05".
type Episode struct {
	Show    string
	Season  int
	Episode int
}

// ParseFileStem splits an underscore separated stem ending in sNN_epNN. When
// the stem does not follow that pattern ok is false and Show holds the whole
// stem.
func ParseFileStem(stem string) (Episode, bool) {
	parts := strings.Split(stem, "_")
	if len(parts) < 3 {
		return Episode{Show: stem}, false
	}
	season, ok := prefixedNumber(parts[len(parts)-2], "s")
	if !ok {
		return Episode{Show: stem}, false
	}
	episode, ok := prefixedNumber(parts[len(parts)-1], "ep")
	if !ok {
		return Episode{Show: stem}, false
	}
	return Episode{
		Show:    strings.Join(parts[:len(parts)-2], "_"),
		Season:  season,
		Episode: episode,
	}, true
}

func prefixedNumber(value, prefix string) (int, bool) {
	if !strings.HasPrefix(value, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(value, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// DisplayTitle turns a catalog show key into a human readable title.
func DisplayTitle(show string) string {
	words := strings.FieldsFunc(show, func(r rune) bool { return r == '_' || r == '.' || r == ' ' })
	if len(words) == 0 {
		return ""
	}
	return cases.Title(language.Und).String(strings.Join(words, " "))
}
