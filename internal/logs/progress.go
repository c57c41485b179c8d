package logs

import (
	"regexp"
	"strconv"
)

var progressPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?) ?%`)

// lastProgress returns the most recent encoder percentage among lines.
func lastProgress(lines []string) *float64 {
	for i := len(lines) - 1; i >= 0; i-- {
		m := progressPattern.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			return &v
		}
	}
	return nil
}
