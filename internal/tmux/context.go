// ABOUTME: Parser for the coding agent's "context left" indicator in captured pane text
// ABOUTME: Finds the most recent percentage shown on screen

package tmux

import (
	"regexp"
	"strconv"
	"strings"
)

// contextLeftRe matches indicators such as
// "Context left until auto-compact: 12%" and "12% context left".
var contextLeftRe = regexp.MustCompile(`(?i)(?:context\s+left[^0-9\n]{0,40}(\d{1,3})\s*%|(\d{1,3})\s*%\s*(?:of\s+)?context\s+left)`)

// ParseContextPercent returns the last context-left percentage in text.
func ParseContextPercent(text string) (int, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := contextLeftRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n > 100 {
			continue
		}
		return n, true
	}
	return 0, false
}
