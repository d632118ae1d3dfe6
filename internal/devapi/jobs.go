package devapi

import (
	"sync"
	"time"

	"github.com/mbd888/bountyhub/internal/events"
	"github.com/mbd888/bountyhub/internal/idgen"
)

// Kind is what a job does. It is also the path segment of its routes.
type Kind string

const (
	KindScan       Kind = "scan"
	KindValidation Kind = "validation"
)

func (k Kind) prefix() string {
	if k == KindValidation {
		return "val_"
	}
	return "scn_"
}

// Job is a simulated scan or validation.
type Job struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Target    string        `json:"target"`
	Status    events.Status `json:"status"`
	Step      string        `json:"step,omitempty"`
	Progress  int           `json:"progress"`
	Payer     string        `json:"payer,omitempty"`
	TxHash    string        `json:"txHash,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Line is one progress record of a job. Seq starts at 1 and doubles as the
// SSE event id.
type Line struct {
	Seq       int           `json:"-"`
	Level     string        `json:"level"`
	Message   string        `json:"message"`
	Step      string        `json:"step,omitempty"`
	Status    events.Status `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type entry struct {
	job     Job
	lines   []Line
	changed chan struct{} // closed and replaced on every update
}

// Store keeps jobs and their logs in memory.
type Store struct {
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewStore creates an empty store.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, jobs: make(map[string]*entry)}
}

// Create registers a pending job.
func (s *Store) Create(kind Kind, target, payer, txHash string) Job {
	now := s.now().UTC()
	job := Job{
		ID:        idgen.WithPrefix(kind.prefix()),
		Kind:      kind,
		Target:    target,
		Status:    events.StatusPending,
		Payer:     payer,
		TxHash:    txHash,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = &entry{job: job, changed: make(chan struct{})}
	s.mu.Unlock()
	return job
}

// Get returns a job by id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Advance moves the job to status/step and appends a log line. A job that
// reached a terminal status is not changed again.
func (s *Store) Advance(id string, status events.Status, step string, progress int, level, message string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return Job{}, false
	}

	now := s.now().UTC()
	e.job.Status = status
	e.job.Step = step
	e.job.Progress = progress
	e.job.UpdatedAt = now
	e.lines = append(e.lines, Line{
		Seq:       len(e.lines) + 1,
		Level:     level,
		Message:   message,
		Step:      step,
		Status:    status,
		Timestamp: now,
	})
	close(e.changed)
	e.changed = make(chan struct{})
	return e.job, true
}

// Since returns the lines after seq, the job as of those lines, and a
// channel closed on the next update.
func (s *Store) Since(id string, seq int) ([]Line, Job, <-chan struct{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, Job{}, nil, false
	}
	if seq < 0 {
		seq = 0
	}
	var out []Line
	if seq < len(e.lines) {
		out = make([]Line, len(e.lines)-seq)
		copy(out, e.lines[seq:])
	}
	return out, e.job, e.changed, true
}

// Len returns the number of jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
