package screenshots

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/offlinefirst/screenwatch/pkg/config"
)

// ErrTornDown is returned by captures attempted after Teardown.
var ErrTornDown = errors.New("capture command torn down")

// CommandOptions configure an external screenshot command.
type CommandOptions struct {
	// Argv is the command line; config.CommandPathPlaceholder is replaced by the output path.
	Argv []string
}

// Command shells out to an OS screenshot tool (screencapture, import, grim...)
// and tracks the child processes so they can be killed on shutdown.
type Command struct {
	argv []string

	mu      sync.Mutex
	running map[*exec.Cmd]struct{}
	closed  bool
}

// NewCommand validates the argv template.
func NewCommand(opts CommandOptions) (*Command, error) {
	if len(opts.Argv) == 0 || strings.TrimSpace(opts.Argv[0]) == "" {
		return nil, errors.New("capture command must not be empty")
	}
	hasPlaceholder := false
	for _, arg := range opts.Argv {
		if strings.Contains(arg, config.CommandPathPlaceholder) {
			hasPlaceholder = true
			break
		}
	}
	if !hasPlaceholder {
		return nil, fmt.Errorf("capture command must reference %s", config.CommandPathPlaceholder)
	}
	return &Command{
		argv:    append([]string(nil), opts.Argv...),
		running: make(map[*exec.Cmd]struct{}),
	}, nil
}

// Capture runs the command once and checks that it produced a non-empty file.
func (c *Command) Capture(ctx context.Context, outputPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	args := make([]string, len(c.argv))
	for i, arg := range c.argv {
		args[i] = strings.ReplaceAll(arg, config.CommandPathPlaceholder, outputPath)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTornDown
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	c.running[cmd] = struct{}{}
	c.mu.Unlock()

	err := cmd.Wait()

	c.mu.Lock()
	delete(c.running, cmd)
	c.mu.Unlock()

	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("run %s: %w: %s", args[0], err, msg)
		}
		return fmt.Errorf("run %s: %w", args[0], err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoOutput
		}
		return fmt.Errorf("inspect capture output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(outputPath)
		return ErrNoOutput
	}
	return nil
}

// Teardown kills every in-flight capture process and refuses new ones.
func (c *Command) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for cmd := range c.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// Running reports how many capture processes are currently alive.
func (c *Command) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}
