package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/sandbox"
)

// NsjailConfig configures NsjailBackend.
type NsjailConfig struct {
	NsjailPath string
	// ConfigDir holds one <language>.cfg per language.
	ConfigDir string
	// Entrypoint is the runner inside the jail that honours the file contract.
	Entrypoint string
}

// NsjailBackend runs each job under nsjail with the sandbox directory bind-mounted at /app.
type NsjailBackend struct {
	cfg    NsjailConfig
	limits Limits
	runner CommandRunner
	logger *zap.Logger
}

// NsjailOption customises an NsjailBackend.
type NsjailOption func(*NsjailBackend)

// WithNsjailCommandRunner replaces the process runner (tests).
func WithNsjailCommandRunner(r CommandRunner) NsjailOption {
	return func(n *NsjailBackend) { n.runner = r }
}

// NewNsjailBackend creates a new nsjail backend.
func NewNsjailBackend(cfg NsjailConfig, limits Limits, logger *zap.Logger, opts ...NsjailOption) (*NsjailBackend, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.NsjailPath == "" || cfg.Entrypoint == "" {
		return nil, fmt.Errorf("executor: nsjail path and entrypoint are required")
	}
	n := &NsjailBackend{cfg: cfg, limits: limits, runner: ExecRunner{}, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Args builds the nsjail argument list. nsjail isolates the network namespace
// by default; no interface is configured.
func (n *NsjailBackend) Args(dir *sandbox.Dir, lang domain.Language) []string {
	timeLimitSec := int(n.limits.Timeout.Seconds())
	if timeLimitSec < 1 {
		timeLimitSec = 1
	}
	args := []string{
		"--config", filepath.Join(n.cfg.ConfigDir, string(lang)+".cfg"),
		"--bindmount", dir.Path + ":" + containerWorkdir,
		"--cwd", containerWorkdir,
		"--time_limit", strconv.Itoa(timeLimitSec),
		"--max_cpus", strconv.Itoa(cpuCount(n.limits.CPUs)),
		"--cgroup_cpu_ms_per_sec", strconv.Itoa(int(n.limits.CPUs * 1000)),
		"--cgroup_mem_max", strconv.FormatInt(int64(n.limits.MemoryMB)*1024*1024, 10),
	}
	if n.limits.PidsLimit > 0 {
		args = append(args, "--cgroup_pids_max", strconv.Itoa(n.limits.PidsLimit))
	}
	args = append(args, "--", n.cfg.Entrypoint, string(lang))
	return args
}

func cpuCount(cpus float64) int {
	c := int(cpus)
	if float64(c) < cpus {
		c++
	}
	if c < 1 {
		c = 1
	}
	return c
}

// Run implements Backend.
func (n *NsjailBackend) Run(ctx context.Context, dir *sandbox.Dir, lang domain.Language) Outcome {
	if !lang.IsValid() {
		return Outcome{Kind: InvocationError, Err: fmt.Errorf("executor: %w", domain.ErrInvalidLanguage)}
	}

	// nsjail enforces --time_limit itself; the context deadline is the backstop.
	runCtx, cancel := context.WithTimeout(ctx, n.limits.Timeout+killTimeout)
	defer cancel()

	res, err := n.runner.Run(runCtx, n.cfg.NsjailPath, n.Args(dir, lang))

	// Separate nsjail log lines from actual program stderr.
	progStderr, nsjailLog := separateNsjailLogs(res.Stderr)

	n.logger.Debug("nsjail execution completed",
		zap.String("job_id", dir.JobID.String()),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("exit_code", res.ExitCode),
		zap.String("nsjail_log", nsjailLog),
	)

	if err != nil {
		return Outcome{Kind: InvocationError, Elapsed: res.Elapsed, Err: fmt.Errorf("executor: nsjail: %w", err)}
	}
	timedOut := res.TimedOut ||
		(res.ExitCode != 0 && (res.Elapsed >= n.limits.Timeout || isNsjailTimeLimit(nsjailLog)))
	if timedOut {
		return Outcome{Kind: TimedOut, ExitCode: -1, Elapsed: res.Elapsed, Diagnostic: progStderr}
	}
	if res.ExitCode == 0 {
		return Outcome{Kind: NormalExit, Elapsed: res.Elapsed, Diagnostic: progStderr}
	}
	if isNsjailFatal(nsjailLog) {
		return Outcome{
			Kind:       InvocationError,
			ExitCode:   res.ExitCode,
			Elapsed:    res.Elapsed,
			Diagnostic: nsjailLog,
			Err:        fmt.Errorf("executor: nsjail failed to start the jail (exit %d)", res.ExitCode),
		}
	}
	return Outcome{
		Kind:       NonZeroExit,
		ExitCode:   res.ExitCode,
		Elapsed:    res.Elapsed,
		OOMKilled:  isOOMKill(res.ExitCode, nsjailLog),
		Diagnostic: progStderr,
	}
}

// separateNsjailLogs splits nsjail log lines from the user program's stderr.
// nsjail logs are prefixed with bracketed tags like [I], [W], [E], [F], [D].
func separateNsjailLogs(rawStderr string) (programStderr, nsjailLogs string) {
	if rawStderr == "" {
		return "", ""
	}

	var progLines, logLines []string
	for _, line := range strings.Split(rawStderr, "\n") {
		if isNsjailLogLine(strings.TrimSpace(line)) {
			logLines = append(logLines, line)
		} else {
			progLines = append(progLines, line)
		}
	}

	return strings.Join(progLines, "\n"), strings.Join(logLines, "\n")
}

func isNsjailLogLine(line string) bool {
	for _, prefix := range []string{"[I]", "[W]", "[E]", "[F]", "[D]"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// isNsjailFatal reports a failure of nsjail itself rather than of the jailed program.
func isNsjailFatal(nsjailLog string) bool {
	for _, line := range strings.Split(nsjailLog, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "[F]") {
			return true
		}
	}
	return false
}

func isNsjailTimeLimit(nsjailLog string) bool {
	return strings.Contains(strings.ToLower(nsjailLog), "run time >= time limit")
}

// isOOMKill checks if the process was killed due to an OOM condition.
// Exit code 137 = process received SIGKILL (128 + 9), which is the
// standard OOM kill signal from cgroups.
func isOOMKill(exitCode int, log string) bool {
	if exitCode == 137 {
		return true
	}
	lower := strings.ToLower(log)
	return strings.Contains(lower, "oom") ||
		strings.Contains(lower, "memory cgroup") ||
		strings.Contains(lower, "cgroup_mem")
}
