package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/driftsync/driftsync/internal/config"
)

var ErrUnknownTask = errors.New("unknown task")

// Supervisor owns the set of configured tasks. Tasks fail independently:
// one task's broken roots never stop the others.
type Supervisor struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string
}

func NewSupervisor(cfg *config.Config) (*Supervisor, error) {
	s := &Supervisor{
		tasks: make(map[string]*Task, len(cfg.Tasks)),
	}
	for _, tc := range cfg.Tasks {
		t, err := New(tc, cfg.DataDir)
		if err != nil {
			return nil, err
		}
		s.tasks[tc.ID] = t
		s.order = append(s.order, tc.ID)
	}
	return s, nil
}

// StartAll starts every auto-start task concurrently. Individual
// failures are logged and leave the task in Failed; StartAll only
// returns an error when no task could start at all.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var started, attempted int
	g, ctx := errgroup.WithContext(ctx)
	var resMu sync.Mutex
	for _, id := range s.order {
		t := s.tasks[id]
		if !t.cfg.AutoStart {
			continue
		}
		attempted++
		g.Go(func() error {
			if err := t.Start(ctx); err != nil {
				slog.Error("task start failed", "task", t.ID(), "error", err)
				return nil
			}
			resMu.Lock()
			started++
			resMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if attempted > 0 && started == 0 {
		return fmt.Errorf("no task started (%d attempted)", attempted)
	}
	slog.Info("tasks started", "started", started, "attempted", attempted, "configured", len(s.order))
	return nil
}

// StopAll stops every running or paused task.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		t := s.tasks[id]
		switch t.State() {
		case StateRunning, StatePaused:
			if err := t.Stop(); err != nil {
				slog.Error("task stop failed", "task", id, "error", err)
			}
		}
	}
}

func (s *Supervisor) get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

func (s *Supervisor) Start(ctx context.Context, id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	return t.Start(ctx)
}

func (s *Supervisor) Stop(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	return t.Stop()
}

func (s *Supervisor) Pause(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	return t.Pause()
}

func (s *Supervisor) Resume(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	return t.Resume()
}

func (s *Supervisor) RunNow(id string) error {
	t, err := s.get(id)
	if err != nil {
		return err
	}
	if t.State() != StateRunning {
		return fmt.Errorf("task %s: %w: run from %s", id, ErrBadTransition, t.State())
	}
	t.RunNow()
	return nil
}

// Status returns one status per task, ordered by task id for stable
// API output.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskStatus returns the status of one task.
func (s *Supervisor) TaskStatus(id string) (Status, error) {
	t, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	return t.Status(), nil
}
