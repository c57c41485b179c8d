package procmon

import (
	"path/filepath"
	"strings"
)

type targetFunc func(args []string) string

var shells = map[string]struct{}{
	"sh": {}, "bash": {}, "dash": {}, "zsh": {},
}

// Match identifies the job binary and target file in a command line. Scripts
// started through a shell interpreter are matched on the script name. Remote
// supervisors ("<cmd> remote supervise --target <file>") are recognized
// whatever the executable is called.
func (m *Monitor) Match(args []string) (binary, target string, ok bool) {
	if len(args) == 0 {
		return "", "", false
	}
	if _, shell := shells[filepath.Base(args[0])]; shell && len(args) > 1 && !strings.HasPrefix(args[1], "-") {
		args = args[1:]
	}
	if t, ok := supervisorTarget(args); ok {
		return "supervisor", t, true
	}
	binary = filepath.Base(args[0])
	fn, ok := m.matchers[binary]
	if !ok {
		return "", "", false
	}
	return binary, fn(args[1:]), true
}

func inputFlagTarget(args []string) string {
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "-i" || arg == "--input":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "--input="):
			return strings.TrimPrefix(arg, "--input=")
		}
	}
	return ""
}

// mkvextract accepts both "<file> tracks ..." and the legacy "tracks <file> ...".
func firstPositionalTarget(args []string) string {
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") || arg == "tracks" {
			continue
		}
		return arg
	}
	return ""
}

func supervisorTarget(args []string) (string, bool) {
	for i := 0; i+1 < len(args); i++ {
		if args[i] != "remote" || args[i+1] != "supervise" {
			continue
		}
		rest := args[i+2:]
		for j := 0; j < len(rest); j++ {
			if rest[j] == "--target" && j+1 < len(rest) {
				return rest[j+1], true
			}
			if strings.HasPrefix(rest[j], "--target=") {
				return strings.TrimPrefix(rest[j], "--target="), true
			}
		}
		return "", true
	}
	return "", false
}
