package mock

import (
	"context"
	"sync"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/executor"
	"github.com/Harsh-BH/runq/internal/sandbox"
)

var _ executor.Backend = (*Backend)(nil)

// Backend is a test double for executor.Backend.
type Backend struct {
	mu sync.Mutex

	// RunFn is called with the job's sandbox directory. When nil the run
	// writes empty output and reports NormalExit.
	RunFn func(ctx context.Context, dir *sandbox.Dir, lang domain.Language) executor.Outcome

	// Recorded calls for assertions.
	Calls []Call
}

type Call struct {
	Dir      string
	Language domain.Language
	Source   string
	Stdin    string
}

func (m *Backend) Run(ctx context.Context, dir *sandbox.Dir, lang domain.Language) executor.Outcome {
	call := Call{Dir: dir.Path, Language: lang}
	call.Source, call.Stdin = dir.ReadInputs()

	m.mu.Lock()
	m.Calls = append(m.Calls, call)
	m.mu.Unlock()

	if m.RunFn != nil {
		return m.RunFn(ctx, dir, lang)
	}
	if err := dir.WriteResult("", 0); err != nil {
		return executor.Outcome{Kind: executor.InvocationError, Err: err}
	}
	return executor.Outcome{Kind: executor.NormalExit}
}

// CallCount returns the number of recorded runs.
func (m *Backend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Echo is a RunFn that behaves like a runner image: it writes stdin back
// as output and reports the given elapsed milliseconds.
func Echo(elapsedMs int64) func(context.Context, *sandbox.Dir, domain.Language) executor.Outcome {
	return func(_ context.Context, dir *sandbox.Dir, _ domain.Language) executor.Outcome {
		_, stdin := dir.ReadInputs()
		if err := dir.WriteResult(stdin, elapsedMs); err != nil {
			return executor.Outcome{Kind: executor.InvocationError, Err: err}
		}
		return executor.Outcome{Kind: executor.NormalExit}
	}
}
