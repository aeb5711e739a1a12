// Package toolrun invokes the external geospatial tools (PDAL, GDAL,
// Sen2Cor) with file paths and scalar arguments and streams their output
// into the logger.
package toolrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

var ErrToolNotFound = errors.New("external tool not found on PATH")

// Command is a single tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the process environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
	// Output runs cmd and returns its standard output.
	Output(ctx context.Context, cmd Command) ([]byte, error)
}

// ExitError is returned when a tool exits with a non-zero status.
type ExitError struct {
	Tool string
	Code int
	// Tail holds the last lines the tool printed.
	Tail []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
	if len(e.Tail) > 0 {
		msg += ": " + e.Tail[len(e.Tail)-1]
	}
	return msg
}

const defaultTailLines = 20

// Exec runs commands with os/exec.
type Exec struct {
	logger    *slog.Logger
	tailLines int
}

// NewExec returns an Exec that logs tool output at debug level.
func NewExec(logger *slog.Logger) *Exec {
	return &Exec{logger: logger, tailLines: defaultTailLines}
}

// Run executes cmd and waits for it. Output lines are logged as they arrive.
func (e *Exec) Run(ctx context.Context, cmd Command) error {
	path, err := exec.LookPath(cmd.Name)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, cmd.Name)
	}

	logCtx := e.logger.With("tool", cmd.Name)
	logCtx.Info("Running external tool.", "command", cmd.String())

	c := exec.CommandContext(ctx, path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	pr, pw := io.Pipe()
	c.Stdout = pw
	c.Stderr = pw

	tail := newTail(e.tailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if line == "" {
				continue
			}
			tail.add(line)
			logCtx.Debug(line)
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := c.Start(); err != nil {
		_ = pw.Close()
		wg.Wait()
		return fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}
	waitErr := c.Wait()
	_ = pw.Close()
	wg.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			ee := &ExitError{Tool: cmd.Name, Code: exitErr.ExitCode(), Tail: tail.lines()}
			logCtx.Error("External tool failed.", "code", ee.Code, "output", strings.Join(ee.Tail, "\n"))
			return ee
		}
		return fmt.Errorf("failed to run %s: %w", cmd.Name, waitErr)
	}
	logCtx.Debug("External tool finished.")
	return nil
}

// Output runs cmd and returns what it wrote to stdout. Stderr is logged.
func (e *Exec) Output(ctx context.Context, cmd Command) ([]byte, error) {
	path, err := exec.LookPath(cmd.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, cmd.Name)
	}
	logCtx := e.logger.With("tool", cmd.Name)
	logCtx.Debug("Running external tool.", "command", cmd.String())

	c := exec.CommandContext(ctx, path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stderr strings.Builder
	c.Stderr = &stderr

	out, err := c.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s interrupted: %w", cmd.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			tail := newTail(e.tailLines)
			for _, line := range strings.Split(stderr.String(), "\n") {
				if line = strings.TrimSpace(line); line != "" {
					tail.add(line)
				}
			}
			return nil, &ExitError{Tool: cmd.Name, Code: exitErr.ExitCode(), Tail: tail.lines()}
		}
		return nil, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		logCtx.Debug(s)
	}
	return out, nil
}

type tailBuffer struct {
	max int
	buf []string
}

func newTail(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) add(line string) {
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *tailBuffer) lines() []string {
	return append([]string(nil), t.buf...)
}
