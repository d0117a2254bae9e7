// Package jobmgr runs named background jobs with cancellation, status
// callbacks and in-memory tracking of what is running.
//
// Typical usage:
//
//	jm := jobmgr.NewManager(func(msg string) {
//	    logger.Debug().Msg(msg)
//	})
//
//	err := jm.StartAsync("shard-0", func(ctx context.Context) error {
//	    // work until ctx is cancelled
//	    return nil
//	})
//
//	// later...
//	_ = jm.Stop("shard-0")
//
// Jobs run in separate goroutines and are removed on completion. There is no
// retry logic and no persistence.
package jobmgr

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Job represents a running unit of work.
type Job struct {
	Name   string
	Cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed once the job's runner has returned.
func (j *Job) Done() <-chan struct{} { return j.done }

// StatusReporter receives lifecycle events for jobs.
// Example messages:
//
//	running:shard-0
//	error:shard-0:gateway closed
//	done:shard-0
type StatusReporter func(string)

// Manager orchestrates starting, stopping and tracking jobs.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	Reporter StatusReporter
}

// NewManager creates a new Manager. The reporter callback may be nil.
func NewManager(reporter StatusReporter) *Manager {
	return &Manager{
		jobs:     make(map[string]*Job),
		Reporter: reporter,
	}
}

// StartAsync runs a job in a separate goroutine and returns immediately.
// The job context derives from parent. If a job with the same name is already
// running, an error is returned.
func (m *Manager) StartAsync(parent context.Context, name string, runner func(ctx context.Context) error) (*Job, error) {
	if parent == nil {
		parent = context.Background()
	}

	m.mu.Lock()
	if _, exists := m.jobs[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("job '%s' is already running", name)
	}
	ctx, cancel := context.WithCancel(parent)
	job := &Job{Name: name, Cancel: cancel, done: make(chan struct{})}
	m.jobs[name] = job
	m.mu.Unlock()

	go func() {
		defer close(job.done)
		defer cancel()
		m.report("running:" + name)

		if err := runner(ctx); err != nil {
			m.report("error:" + name + ":" + err.Error())
		} else {
			m.report("done:" + name)
		}

		m.mu.Lock()
		if m.jobs[name] == job {
			delete(m.jobs, name)
		}
		m.mu.Unlock()
	}()

	return job, nil
}

// Stop cancels a running job by name and waits for it to return.
// If the job is not running, an error is returned.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	job, ok := m.jobs[name]
	if ok {
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("job '%s' not running", name)
	}
	job.Cancel()
	<-job.done
	return nil
}

// StopAll cancels every running job and waits for all of them.
func (m *Manager) StopAll() {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for name, job := range m.jobs {
		jobs = append(jobs, job)
		delete(m.jobs, name)
	}
	m.mu.Unlock()

	for _, job := range jobs {
		job.Cancel()
	}
	for _, job := range jobs {
		<-job.done
	}
}

// List returns the sorted names of active jobs.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.jobs))
	for k := range m.jobs {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Status returns a human-readable summary of active jobs.
// Example:
//
//	"Running jobs: metrics, shard-0"
//
// If none are running: "No jobs are running."
func (m *Manager) Status() string {
	active := m.List()
	if len(active) == 0 {
		return "No jobs are running."
	}
	return fmt.Sprintf("Running jobs: %s", strings.Join(active, ", "))
}

func (m *Manager) report(s string) {
	if m.Reporter != nil {
		m.Reporter(s)
	}
}
