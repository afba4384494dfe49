package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout/stderr to prevent memory exhaustion.
	maxOutputBytes = 64 * 1024 // 64 KB

	// outputTruncatedMsg is appended when output exceeds the limit.
	outputTruncatedMsg = "\n... output truncated (64 KB limit) ..."
)

// CommandResult is the captured result of one command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
	// TimedOut is set when ctx expired and the process group was killed.
	TimedOut bool
}

// CommandRunner runs a command to completion. A non-nil error means the
// command could not be started or waited on; a non-zero exit is not an error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) (CommandResult, error)
}

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string) (CommandResult, error) {
	cmd := exec.Command(name, args...) //nolint:gosec // name comes from operator config

	// Set up process group for clean termination
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Use limited writers to cap output size and prevent OOM on host
	var stdout, stderr limitedBuffer
	stdout.limit = maxOutputBytes
	stderr.limit = maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return CommandResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		// Kill entire process group
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		waitErr = <-done
		timedOut = true
	}

	res := CommandResult{
		Stdout:   truncateOutput(stdout.String(), stdout.truncated),
		Stderr:   truncateOutput(stderr.String(), stderr.truncated),
		Elapsed:  time.Since(startTime),
		TimedOut: timedOut,
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, waitErr
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// limitedBuffer is a bytes.Buffer that stops accepting writes after a limit.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	if lb.truncated {
		return len(p), nil // discard silently
	}

	remaining := lb.limit - lb.buf.Len()
	if remaining <= 0 {
		lb.truncated = true
		return len(p), nil
	}

	if len(p) > remaining {
		lb.truncated = true
		lb.buf.Write(p[:remaining])
		return len(p), nil
	}

	return lb.buf.Write(p)
}

func (lb *limitedBuffer) String() string {
	return lb.buf.String()
}

// truncateOutput appends a truncation notice if the output was cut off.
func truncateOutput(s string, wasTruncated bool) string {
	if wasTruncated {
		return s + outputTruncatedMsg
	}
	return s
}
