package sandbox

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
)

const (
	InputFile  = "input.txt"
	OutputFile = "output.txt"
	TimeFile   = "time.txt"

	dirPerm  = 0o755
	filePerm = 0o644

	// maxOutputBytes caps how much of output.txt is read back.
	maxOutputBytes = 64 * 1024

	outputTruncatedMsg = "\n... output truncated (64 KB limit) ..."
)

// ErrMalformedResult is returned when the backend did not leave a usable
// output or timing file behind.
var ErrMalformedResult = errors.New("sandbox: malformed result")

// Manager creates and destroys sandbox directories under a root.
type Manager struct {
	root   string
	logger *zap.Logger
}

// NewManager creates a Manager rooted at root. The root is made absolute so
// it can be bind-mounted by the backend.
func NewManager(root string, logger *zap.Logger) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	return &Manager{root: abs, logger: logger}, nil
}

// Root returns the absolute sandbox root.
func (m *Manager) Root() string {
	return m.root
}

// PathFor returns where the directory for (lang, id) lives.
func (m *Manager) PathFor(lang domain.Language, id uuid.UUID) string {
	return filepath.Join(m.root, string(lang), id.String())
}

// Create makes a fresh directory for the job. It fails if one already exists,
// so two active jobs can never share a directory.
func (m *Manager) Create(lang domain.Language, id uuid.UUID) (*Dir, error) {
	if !lang.IsValid() {
		return nil, fmt.Errorf("sandbox: %w", domain.ErrInvalidLanguage)
	}
	parent := filepath.Join(m.root, string(lang))
	if err := os.MkdirAll(parent, dirPerm); err != nil {
		return nil, fmt.Errorf("sandbox: create language dir: %w", err)
	}
	path := filepath.Join(parent, id.String())
	if err := os.Mkdir(path, dirPerm); err != nil {
		return nil, fmt.Errorf("sandbox: create job dir: %w", err)
	}
	// Containers may run as an unprivileged user that must write the output files.
	if err := os.Chmod(path, 0o777); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("sandbox: chmod job dir: %w", err)
	}
	return &Dir{Path: path, Language: lang, JobID: id}, nil
}

// Destroy removes the job directory and everything in it. Removing a
// directory that does not exist is not an error.
func (m *Manager) Destroy(d *Dir) error {
	if d == nil {
		return nil
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return fmt.Errorf("sandbox: destroy %s: %w", d.Path, err)
	}
	return nil
}

// Sweep removes job directories left under the root, e.g. by a process that
// crashed mid-job. The root may be shared by several processes, so a
// directory is kept while keep reports its job as still running. Entries that
// are not job directories are always removed.
func (m *Manager) Sweep(keep func(lang domain.Language, id uuid.UUID) bool) (int, error) {
	removed := 0
	for _, lang := range domain.Languages() {
		entries, err := os.ReadDir(filepath.Join(m.root, string(lang)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("sandbox: sweep %s: %w", lang, err)
		}
		for _, e := range entries {
			if id, err := uuid.Parse(e.Name()); err == nil && keep != nil && keep(lang, id) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(m.root, string(lang), e.Name())); err != nil {
				m.logger.Warn("Failed to sweep stale sandbox directory",
					zap.String("language", string(lang)),
					zap.String("name", e.Name()),
					zap.Error(err),
				)
				continue
			}
			removed++
		}
	}
	return removed, nil
}

// Dir is one job's sandbox directory.
type Dir struct {
	Path     string
	Language domain.Language
	JobID    uuid.UUID
}

// SourcePath is the path of the submitted code.
func (d *Dir) SourcePath() string { return filepath.Join(d.Path, d.Language.SourceFile()) }

// InputPath is the path of the stdin payload.
func (d *Dir) InputPath() string { return filepath.Join(d.Path, InputFile) }

// OutputPath is the path the backend writes program stdout to.
func (d *Dir) OutputPath() string { return filepath.Join(d.Path, OutputFile) }

// TimePath is the path the backend writes elapsed time to.
func (d *Dir) TimePath() string { return filepath.Join(d.Path, TimeFile) }

// WriteInputs writes the source and stdin contract files.
func (d *Dir) WriteInputs(source, stdin string) error {
	if err := os.WriteFile(d.SourcePath(), []byte(source), filePerm); err != nil {
		return fmt.Errorf("sandbox: write source: %w", err)
	}
	if err := os.WriteFile(d.InputPath(), []byte(stdin), filePerm); err != nil {
		return fmt.Errorf("sandbox: write stdin: %w", err)
	}
	return nil
}

// ReadOutputs reads back the output and timing files. Missing or unreadable
// files yield ErrMalformedResult; an empty output.txt is valid empty output.
func (d *Dir) ReadOutputs() (*domain.Result, error) {
	output, err := readCapped(d.OutputPath(), maxOutputBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResult, OutputFile, err)
	}
	raw, err := os.ReadFile(d.TimePath())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResult, TimeFile, err)
	}
	ms, err := ParseElapsed(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResult, TimeFile, err)
	}
	return &domain.Result{Output: output, ExecutionTimeMs: ms}, nil
}

// ParseElapsed accepts "123", "123ms" or "12.5" (milliseconds) as written by
// the runner images.
func ParseElapsed(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(s, "ms"))
	if s == "" {
		return 0, errors.New("empty elapsed time")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative elapsed time %d", n)
		}
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("invalid elapsed time %q", s)
	}
	return int64(math.Round(f)), nil
}

func readCapped(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(buf)) > limit {
		return string(buf[:limit]) + outputTruncatedMsg, nil
	}
	return string(buf), nil
}

// ReadInputs returns the source and stdin contract files. Unreadable files
// read as empty.
func (d *Dir) ReadInputs() (source, stdin string) {
	src, _ := os.ReadFile(d.SourcePath())
	in, _ := os.ReadFile(d.InputPath())
	return string(src), string(in)
}

// WriteResult writes the output and timing files the way a runner image
// does. Backends that execute in-process use it.
func (d *Dir) WriteResult(output string, elapsedMs int64) error {
	if err := os.WriteFile(d.OutputPath(), []byte(output), filePerm); err != nil {
		return fmt.Errorf("sandbox: write output: %w", err)
	}
	if err := os.WriteFile(d.TimePath(), []byte(strconv.FormatInt(elapsedMs, 10)), filePerm); err != nil {
		return fmt.Errorf("sandbox: write time: %w", err)
	}
	return nil
}
