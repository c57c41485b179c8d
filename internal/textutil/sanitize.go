package textutil

import (
	"path/filepath"
	"strings"
)

// fileNameReplacer replaces filesystem-unsafe characters with safe alternatives.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// SanitizeFileName replaces filesystem-unsafe characters in a single path
// segment. Slashes, backslashes, colons, and asterisks become dashes; other
// unsafe characters are removed.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(fileNameReplacer.Replace(name))
}

var stemReplacer = strings.NewReplacer(
	" ", "_",
	"(", "",
	")", "",
	"[", "",
	"]", "",
	"{", "",
	"}", "",
)

// OutputStem derives the job output name from a target path: the file stem
// with whitespace turned into underscores and brackets removed.
//
//	"/in/My Movie (2001) [HD].avi" -> "My_Movie_2001_HD"
func OutputStem(path string) string {
	base := filepath.Base(strings.TrimSpace(path))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = SanitizeFileName(stemReplacer.Replace(stem))
	for strings.Contains(stem, "__") {
		stem = strings.ReplaceAll(stem, "__", "_")
	}
	stem = strings.Trim(stem, "_")
	if stem == "" || stem == "." {
		return "unknown"
	}
	return stem
}

// FileStem returns the base name of path without its extension.
func FileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
