package workspace

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// CmdResult captures the full outcome of a shell command, success or not.
type CmdResult struct {
	Cmd      string `json:"cmd"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration string `json:"duration"`
}

// ExecOptions controls where and how a command runs. Env entries are
// appended to the parent environment, overriding on key collision.
type ExecOptions struct {
	Dir     string
	Env     []string
	Timeout time.Duration
}

// DefaultCommandTimeout bounds commands that don't specify their own.
const DefaultCommandTimeout = 10 * time.Minute

// RunCommand executes cmd through /bin/bash -lc, capturing stdout and
// stderr. The context's cancellation and the timeout both kill the process.
// Timeout expiry is reported as exit code 124. A non-zero exit returns the
// populated result alongside the error.
func RunCommand(ctx context.Context, cmd string, opts ExecOptions) (CmdResult, error) {
	if cmd == "" {
		return CmdResult{}, errors.New("cmd is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCommandTimeout
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	c := exec.CommandContext(ctx, "/bin/bash", "-lc", cmd)
	if opts.Dir != "" {
		c.Dir = opts.Dir
	}
	if len(opts.Env) > 0 {
		c.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee):
			exitCode = ee.ExitCode()
		case ctx.Err() == context.DeadlineExceeded:
			exitCode = 124
		default:
			exitCode = 1
		}
	}

	return CmdResult{
		Cmd:      cmd,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start).String(),
	}, err
}
