package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/sandbox"
)

// OutcomeKind classifies how a backend invocation ended.
type OutcomeKind int

const (
	// NormalExit: the isolated program ran and exited 0.
	NormalExit OutcomeKind = iota
	// NonZeroExit: the isolated program ran and failed.
	NonZeroExit
	// TimedOut: the supervisory deadline fired and the run was killed.
	TimedOut
	// InvocationError: the isolated runtime could not be started at all.
	InvocationError
)

func (k OutcomeKind) String() string {
	switch k {
	case NormalExit:
		return "normal_exit"
	case NonZeroExit:
		return "non_zero_exit"
	case TimedOut:
		return "timed_out"
	case InvocationError:
		return "invocation_error"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is what a backend reports for one run.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Elapsed  time.Duration
	// OOMKilled is set when the run was killed for exceeding the memory cap.
	OOMKilled bool
	// Diagnostic is backend/program stderr for operators. Never shown to clients.
	Diagnostic string
	// Err is set for InvocationError.
	Err error
}

// Backend runs one job's sandbox directory inside the isolated runtime and
// blocks until it exits or ctx expires.
type Backend interface {
	Run(ctx context.Context, dir *sandbox.Dir, lang domain.Language) Outcome
}

// Limits is the resource ceiling applied to every run. It is fixed when a
// backend is constructed; no job can change it.
type Limits struct {
	CPUs      float64
	MemoryMB  int
	PidsLimit int
	Timeout   time.Duration
}

// Validate rejects ceilings that would leave a run unbounded.
func (l Limits) Validate() error {
	switch {
	case l.CPUs <= 0:
		return fmt.Errorf("executor: cpu limit must be positive")
	case l.MemoryMB <= 0:
		return fmt.Errorf("executor: memory limit must be positive")
	case l.Timeout <= 0:
		return fmt.Errorf("executor: supervisory timeout must be positive")
	}
	return nil
}
