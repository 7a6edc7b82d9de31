// Package background runs best-effort maintenance work (cache refreshes, queue
// draining) detached from the caller that triggered it. Failures never reach the
// caller; they are logged and kept per task name for diagnostics.
package background

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSupervisorClosed is reported by handles started after Close.
var ErrSupervisorClosed = errors.New("background: supervisor closed")

// TaskFunc is the body of a supervised task.
type TaskFunc func(ctx context.Context) error

// Report summarizes every run of a named task.
type Report struct {
	Name           string    `json:"name"`
	Runs           int       `json:"runs"`
	Failures       int       `json:"failures"`
	Running        bool      `json:"running"`
	LastStartedAt  time.Time `json:"last_started_at"`
	LastFinishedAt time.Time `json:"last_finished_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Handle observes a single run of a task.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the task name.
func (h *Handle) Name() string {
	return h.name
}

// Done is closed once the run finishes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx ends, returning the run error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SupervisorConfig describes the dependencies of a Supervisor.
type SupervisorConfig struct {
	Logger *zap.Logger
	Clock  func() time.Time
}

// Supervisor owns the lifetime of background tasks.
type Supervisor struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reports map[string]*Report
	closed  bool
	clock   func() time.Time
	logger  *zap.Logger
}

// NewSupervisor constructs a Supervisor whose tasks run until Close.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		reports: make(map[string]*Report),
		clock:   clock,
		logger:  logger,
	}
}

// Go starts fn in its own goroutine under the supervisor context.
func (s *Supervisor) Go(name string, fn TaskFunc) *Handle {
	handle := &Handle{name: name, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		handle.err = ErrSupervisorClosed
		close(handle.done)
		return handle
	}
	report := s.reportLocked(name)
	report.Runs++
	report.Running = true
	report.LastStartedAt = s.clock().UTC()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := run(s.ctx, fn)
		s.finish(name, err)
		handle.err = err
		close(handle.done)
	}()
	return handle
}

// Wait blocks until every started task has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close cancels running tasks, waits for them and rejects new ones.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Reports returns a snapshot of all task reports ordered by name.
func (s *Supervisor) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := make([]Report, 0, len(s.reports))
	for _, report := range s.reports {
		reports = append(reports, *report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports
}

func (s *Supervisor) finish(name string, err error) {
	s.mu.Lock()
	report := s.reportLocked(name)
	report.Running = false
	report.LastFinishedAt = s.clock().UTC()
	if err != nil {
		report.Failures++
		report.LastError = err.Error()
	} else {
		report.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
	}
}

func (s *Supervisor) reportLocked(name string) *Report {
	report, ok := s.reports[name]
	if !ok {
		report = &Report{Name: name}
		s.reports[name] = report
	}
	return report
}

func run(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("background: task panicked: %v", recovered)
		}
	}()
	return fn(ctx)
}
