package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RunState is the lifecycle state of one analysis run.
//
// NOTE: These values are persisted in run.json.
type RunState string

const (
	RunStateRunning RunState = "running"
	RunStateSuccess RunState = "success"
	RunStateFailed  RunState = "failed"
	RunStateError   RunState = "error"
)

// RunRecord is the persistent record written to run.json for the latest
// run of a job.
type RunRecord struct {
	RunID     string     `json:"run_id"`
	JobName   string     `json:"job_name"`
	State     RunState   `json:"state"`
	Command   []string   `json:"command"`
	PID       int        `json:"pid,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
}

// Store persists run records and logs under a root directory.
//
// Directory layout:
//
//	<root>/<job_name>/run.json
//	<root>/<job_name>/stdout.log
//	<root>/<job_name>/stderr.log
//
// Logs are appended to, so redelivered jobs keep the output of every run.
type Store struct {
	root string
}

// NewStore returns a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

// JobDir is the directory holding a job's logs and record.
func (s *Store) JobDir(jobName string) string {
	return filepath.Join(s.root, jobName)
}

// StdoutPath is the job's stdout log.
func (s *Store) StdoutPath(jobName string) string {
	return filepath.Join(s.JobDir(jobName), "stdout.log")
}

// StderrPath is the job's stderr log.
func (s *Store) StderrPath(jobName string) string {
	return filepath.Join(s.JobDir(jobName), "stderr.log")
}

func (s *Store) recordPath(jobName string) string {
	return filepath.Join(s.JobDir(jobName), "run.json")
}

// Write replaces the job's run.json atomically.
func (s *Store) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	name := strings.TrimSpace(record.JobName)
	if name == "" {
		return fmt.Errorf("job_name is required")
	}
	if strings.TrimSpace(s.root) == "" {
		return fmt.Errorf("runner log dir is empty")
	}

	jobDir := s.JobDir(name)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.recordPath(name)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads the latest run record for a job.
func (s *Store) Get(jobName string) (*RunRecord, error) {
	b, err := os.ReadFile(s.recordPath(strings.TrimSpace(jobName)))
	if err != nil {
		return nil, err
	}
	var record RunRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}
	return &record, nil
}

// List returns every job's latest record, newest first.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runner log dir: %w", err)
	}

	out := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
