package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/sandbox"
)

const (
	// containerWorkdir is where the sandbox directory is mounted.
	containerWorkdir = "/app"

	// killTimeout bounds the docker kill issued after a supervisory timeout.
	killTimeout = 10 * time.Second
)

// Docker CLI exit codes that come from docker itself, not the container.
// https://docs.docker.com/engine/containers/run/#exit-status
const (
	dockerDaemonError    = 125
	dockerCannotInvoke   = 126
	dockerCommandMissing = 127
)

// Operator-supplied extra args may not touch the resource ceiling, the
// network, privileges, identity or mounts. Long flags are matched by family
// prefix so that every variant of a reserved flag is covered, e.g. --cpu
// also matches --cpus, --cpu-quota and --cpuset-cpus.
var reservedDockerFlagPrefixes = []string{
	"--cpu", "--memory", "--kernel-memory", "--oom", "--pids", "--shm-size", "--ulimit",
	"--blkio", "--device", "--storage-opt", "--gpus", "--runtime", "--isolation",
	"--net", "--publish", "--expose", "--dns", "--add-host", "--hostname",
	"--privileged", "--cap-", "--security-opt", "--sysctl", "--cgroup",
	"--user", "--group-add", "--pid", "--ipc", "--uts",
	"--volume", "--mount", "--tmpfs", "--read-only", "--workdir",
	"--rm", "--name", "--entrypoint", "--init",
}

// Single-letter forms of reserved flags, and the boolean shorthands that may
// be chained in front of them ("-itv /:/host").
const (
	reservedDockerShorthands = "cmvupwh"
	boolDockerShorthands     = "ditP"
)

// DockerConfig configures DockerBackend.
type DockerConfig struct {
	DockerPath string
	Images     map[domain.Language]string
	// ExtraArgs is a shell-quoted string of additional `docker run` flags.
	ExtraArgs string
}

// DockerBackend runs each job in a throwaway container of its language's
// runner image with the sandbox directory mounted at /app.
type DockerBackend struct {
	dockerPath string
	images     map[domain.Language]string
	extraArgs  []string
	limits     Limits
	runner     CommandRunner
	logger     *zap.Logger
}

// DockerOption customises a DockerBackend.
type DockerOption func(*DockerBackend)

// WithDockerCommandRunner replaces the process runner (tests).
func WithDockerCommandRunner(r CommandRunner) DockerOption {
	return func(d *DockerBackend) { d.runner = r }
}

// NewDockerBackend validates cfg and limits and builds the backend.
func NewDockerBackend(cfg DockerConfig, limits Limits, logger *zap.Logger, opts ...DockerOption) (*DockerBackend, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	for _, lang := range domain.Languages() {
		if cfg.Images[lang] == "" {
			return nil, fmt.Errorf("executor: no docker image configured for %s", lang)
		}
	}
	extra, err := shlex.Split(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("executor: parse docker extra args: %w", err)
	}
	for _, arg := range extra {
		if isReservedDockerFlag(arg) {
			return nil, fmt.Errorf("executor: docker extra arg %q would override the sandbox ceiling", arg)
		}
	}

	d := &DockerBackend{
		dockerPath: cfg.DockerPath,
		images:     cfg.Images,
		extraArgs:  extra,
		limits:     limits,
		runner:     ExecRunner{},
		logger:     logger,
	}
	if d.dockerPath == "" {
		d.dockerPath = "docker"
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func isReservedDockerFlag(arg string) bool {
	if strings.HasPrefix(arg, "--") {
		name, _, _ := strings.Cut(arg, "=")
		for _, p := range reservedDockerFlagPrefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
	if len(arg) < 2 || arg[0] != '-' {
		return false
	}
	for _, c := range arg[1:] {
		if strings.ContainsRune(reservedDockerShorthands, c) {
			return true
		}
		if !strings.ContainsRune(boolDockerShorthands, c) {
			// The rest is the value of a shorthand that takes one.
			return false
		}
	}
	return false
}

// ContainerName is the deterministic container name for a job.
func ContainerName(dir *sandbox.Dir) string {
	return "runq-" + string(dir.Language) + "-" + dir.JobID.String()
}

// Args builds the `docker run` argument list. Only the mount, the container
// name and the image depend on the job.
func (d *DockerBackend) Args(dir *sandbox.Dir, lang domain.Language) []string {
	mem := strconv.Itoa(d.limits.MemoryMB) + "m"
	args := []string{
		"run",
		"--rm",
		"--name", ContainerName(dir),
		"--cpus", strconv.FormatFloat(d.limits.CPUs, 'f', -1, 64),
		"--memory", mem,
		"--memory-swap", mem,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
	}
	if d.limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(d.limits.PidsLimit))
	}
	args = append(args, d.extraArgs...)
	args = append(args,
		"-v", dir.Path+":"+containerWorkdir,
		"--workdir", containerWorkdir,
		d.images[lang],
	)
	return args
}

// Run implements Backend.
func (d *DockerBackend) Run(ctx context.Context, dir *sandbox.Dir, lang domain.Language) Outcome {
	if _, ok := d.images[lang]; !ok {
		return Outcome{Kind: InvocationError, Err: fmt.Errorf("executor: %w", domain.ErrInvalidLanguage)}
	}

	runCtx, cancel := context.WithTimeout(ctx, d.limits.Timeout)
	defer cancel()

	res, err := d.runner.Run(runCtx, d.dockerPath, d.Args(dir, lang))

	d.logger.Debug("docker run completed",
		zap.String("job_id", dir.JobID.String()),
		zap.String("language", string(lang)),
		zap.Duration("elapsed", res.Elapsed),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
	)

	if res.TimedOut || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		// Killing the docker CLI does not stop the container.
		d.killContainer(dir)
		return Outcome{Kind: TimedOut, ExitCode: -1, Elapsed: res.Elapsed, Diagnostic: res.Stderr}
	}
	if err != nil {
		return Outcome{Kind: InvocationError, Elapsed: res.Elapsed, Err: fmt.Errorf("executor: docker run: %w", err)}
	}

	switch res.ExitCode {
	case 0:
		return Outcome{Kind: NormalExit, Elapsed: res.Elapsed, Diagnostic: res.Stderr}
	case dockerDaemonError, dockerCannotInvoke, dockerCommandMissing:
		return Outcome{
			Kind:       InvocationError,
			ExitCode:   res.ExitCode,
			Elapsed:    res.Elapsed,
			Diagnostic: res.Stderr,
			Err:        fmt.Errorf("executor: docker exited %d", res.ExitCode),
		}
	}
	return Outcome{
		Kind:       NonZeroExit,
		ExitCode:   res.ExitCode,
		Elapsed:    res.Elapsed,
		OOMKilled:  isOOMKill(res.ExitCode, res.Stderr),
		Diagnostic: res.Stderr,
	}
}

func (d *DockerBackend) killContainer(dir *sandbox.Dir) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	name := ContainerName(dir)
	if _, err := d.runner.Run(ctx, d.dockerPath, []string{"kill", name}); err != nil {
		d.logger.Warn("Failed to kill container after timeout", zap.String("container", name), zap.Error(err))
	}
}
