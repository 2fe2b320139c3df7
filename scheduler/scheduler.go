// Package scheduler runs named fixed-interval background tasks that can be
// stopped as a group or ticked by hand.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulsegrade/taxrates/logger"
)

// Task is a unit of periodic work. An Interval <= 0 registers a task that only runs via RunNow.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

type entry struct {
	task   Task
	cancel context.CancelFunc
}

// Scheduler owns a set of tasks and their goroutines
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	log     *logger.Logger
}

// New creates an idle scheduler
func New(name string) *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*entry),
		log:   logger.Named("scheduler." + name),
	}
}

// Add registers task, replacing any task with the same name. If the scheduler
// is running the task starts ticking immediately.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return fmt.Errorf("scheduler: task needs a name and a run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[task.Name]; ok && old.cancel != nil {
		old.cancel()
	}
	e := &entry{task: task}
	s.tasks[task.Name] = e
	if s.running {
		s.launch(e)
	}
	return nil
}

// Remove stops and unregisters a task, reporting whether it existed
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[name]
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(s.tasks, name)
	return true
}

// Start launches a ticker goroutine for every registered task
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, e := range s.tasks {
		s.launch(e)
	}
	s.log.Debug("started with %d tasks", len(s.tasks))
}

// Stop cancels every task and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	for _, e := range s.tasks {
		e.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Debug("stopped")
}

// Running reports whether Start has been called without a matching Stop
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow executes the named task synchronously on the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown task %q", name)
	}
	e.task.Run(ctx)
	return nil
}

// Names returns the registered task names in sorted order
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// launch must be called with s.mu held and s.running true
func (s *Scheduler) launch(e *entry) {
	if e.task.Interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel
	task := e.task

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task.Run(ctx)
			}
		}
	}()
}
