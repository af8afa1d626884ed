package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/machina/pkg/schema"
)

// executeShell runs an external command with a per-action timeout, capturing
// stdout and stderr. Non-zero exit and timeout both fail the action, with
// captured output attached for diagnostics.
func (d *Dispatcher) executeShell(ctx context.Context, rc Context, a *schema.ShellCommandAction) error {
	if a == nil || a.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell_command: missing command")
	}

	command, err := resolveTemplate(a.Command, rc)
	if err != nil {
		return err
	}
	args := make([]string, 0, len(a.Args))
	for _, arg := range a.Args {
		resolved, err := resolveTemplate(arg, rc)
		if err != nil {
			return err
		}
		args = append(args, resolved)
	}

	timeout, err := schema.ParseTimeout(a.Timeout, d.cfg.ShellTimeout)
	if err != nil {
		return err
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// A bare command string goes through the shell so pipes and globs work;
	// explicit args bypass it.
	var cmd *exec.Cmd
	if len(args) == 0 {
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}
	if a.Dir != "" {
		cmd.Dir = a.Dir
	} else if d.cfg.Workdir != "" {
		cmd.Dir = d.cfg.Workdir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: d.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: d.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	if execCtx.Err() == context.DeadlineExceeded {
		return schema.NewErrorf(schema.ErrCodeTimeout, "shell_command: %q timed out after %s", command, timeout).
			WithDetails(map[string]any{
				"timeout": timeout.String(),
				"stdout":  stdoutBuf.String(),
				"stderr":  stderrBuf.String(),
			})
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return schema.NewErrorf(schema.ErrCodeExecution, "shell_command: %q exited with code %d", command, exitErr.ExitCode()).
				WithDetails(map[string]any{
					"exit_code": exitErr.ExitCode(),
					"stdout":    stdoutBuf.String(),
					"stderr":    stderrBuf.String(),
				}).WithCause(runErr)
		}
		// Non-exit error, e.g. command not found.
		return schema.NewErrorf(schema.ErrCodeExecution, "shell_command: %v", runErr).WithCause(runErr)
	}

	if a.OutputKey != "" {
		rc.Set(a.OutputKey, parseStdout(stdoutBuf.Bytes()))
	}
	d.cfg.Logger.DebugContext(ctx, "shell command completed",
		"run_id", rc.RunID(), "command", command, "duration_ms", durationMs)
	return nil
}

// parseStdout auto-parses JSON output so later expressions can traverse it;
// anything else is stored as a trimmed string.
func parseStdout(out []byte) any {
	trimmed := strings.TrimRight(string(out), "\n")
	if len(out) > 0 && json.Valid(out) {
		var parsed any
		if err := json.Unmarshal(out, &parsed); err == nil {
			return parsed
		}
	}
	return trimmed
}

// limitedWriter discards bytes beyond the limit while always reporting the
// full write consumed, so the subprocess never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
