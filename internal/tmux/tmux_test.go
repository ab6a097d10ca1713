// ABOUTME: Tests for tmux error mapping and the context indicator parser
// ABOUTME: Does not require a tmux server

package tmux

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapError(t *testing.T) {
	base := errors.New("exit status 1")

	assert.ErrorIs(t, wrapError(base, "no server running on /tmp/tmux-0/default", []string{"list-panes"}), ErrNoServer)
	assert.ErrorIs(t, wrapError(base, "can't find pane: %9", []string{"capture-pane"}), ErrPaneNotFound)

	err := wrapError(base, "unknown option", []string{"capture-pane"})
	assert.EqualError(t, err, "tmux capture-pane: unknown option")

	err = wrapError(base, "", []string{"list-panes"})
	assert.ErrorIs(t, err, base)
}

func TestParseContextPercent(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
		ok   bool
	}{
		{"auto-compact banner", "> \n  Context left until auto-compact: 12%\n", 12, true},
		{"suffix form", "esc to interrupt · 37% context left", 37, true},
		{"last indicator wins", "Context left until auto-compact: 40%\n...\nContext left until auto-compact: 8%", 8, true},
		{"no indicator", "$ go test ./...\nok", 0, false},
		{"out of range", "Context left: 250%", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseContextPercent(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
