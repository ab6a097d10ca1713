// ABOUTME: tmux pane inspection by subprocess for the watchdog and context poller
// ABOUTME: Reports pane liveness and captures visible pane text

package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Common errors
var (
	ErrNoServer     = errors.New("no tmux server running")
	ErrPaneNotFound = errors.New("pane not found")
)

// Inspector is the tmux automation surface the background jobs need.
type Inspector interface {
	// PaneExists reports whether paneID (for example "%3") is a live pane.
	PaneExists(ctx context.Context, paneID string) (bool, error)
	// CapturePane returns the last lines of the pane's visible text.
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
}

// Client shells out to the tmux binary.
type Client struct {
	bin     string
	timeout time.Duration
}

// NewClient creates a Client. Each command is bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{bin: "tmux", timeout: timeout}
}

// run executes a tmux command and returns trimmed stdout.
// -u forces UTF-8 mode regardless of locale.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, append([]string{"-u"}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "can't find pane") ||
		strings.Contains(stderr, "can't find window") ||
		strings.Contains(stderr, "can't find session") {
		return ErrPaneNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// PaneExists lists every pane on the server and looks for paneID. A server
// that is not running has no panes.
func (c *Client) PaneExists(ctx context.Context, paneID string) (bool, error) {
	out, err := c.run(ctx, "list-panes", "-a", "-F", "#{pane_id}")
	if errors.Is(err, ErrNoServer) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == paneID {
			return true, nil
		}
	}
	return false, nil
}

// CapturePane returns the last lines of paneID with wrapped lines joined.
func (c *Client) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	return c.run(ctx, "capture-pane", "-p", "-J", "-t", paneID, "-S", fmt.Sprintf("-%d", lines))
}

var _ Inspector = (*Client)(nil)
