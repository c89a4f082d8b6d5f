package work

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/sloretz/buildalot/internal/cohesive"
)

// ExecuteCommand runs a single terminal command (a "buildah" invocation or
// similar). Its string identity is the joined command line, which is what
// appears as a node in a work graph's Dot() output and in logs.
type ExecuteCommand struct {
	Argv []string
	Dir  string

	DryRun bool
	Output *cohesive.Registry
	// Stdout receives the dry-run echo, and the command's own output when
	// Output is nil; defaults to os.Stdout.
	Stdout io.Writer

	// OnComplete, if set, is invoked after the command finishes (success
	// or failure) with the argv and the error (nil on success).
	OnComplete func(argv []string, err error)
}

func (c *ExecuteCommand) String() string {
	return strings.Join(c.Argv, " ")
}

func (c *ExecuteCommand) Run(ctx context.Context) error {
	display := c.String()

	if c.DryRun {
		fmt.Fprintln(c.dryRunWriter(), display)
		if c.OnComplete != nil {
			c.OnComplete(c.Argv, nil)
		}
		return nil
	}

	var w io.WriteCloser
	if c.Output != nil {
		w = c.Output.Open(display)
	} else {
		w = nopWriteCloser{c.dryRunWriter()}
	}
	defer w.Close()

	slog.InfoContext(ctx, "work.ExecuteCommand starting", "cmd", display, "dir", c.Dir)

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		err = &CommandFailedError{Argv: c.Argv, ExitCode: exitCode, Err: err}
		slog.ErrorContext(ctx, "work.ExecuteCommand failed", "cmd", display, "error", err)
	} else {
		slog.InfoContext(ctx, "work.ExecuteCommand succeeded", "cmd", display)
	}

	if c.OnComplete != nil {
		c.OnComplete(c.Argv, err)
	}
	return err
}

func (c *ExecuteCommand) dryRunWriter() io.Writer {
	if c.Stdout != nil {
		return c.Stdout
	}
	return os.Stdout
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
