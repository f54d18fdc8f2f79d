// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package processor

import (
	"sync"
	"time"

	"meshworker/src/model"
)

// TaskStore keeps every task the process has seen, including finished ones,
// so results stay queryable after the registry has forgotten the task.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	order []string
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*model.Task)}
}

func (s *TaskStore) Add(task *model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		s.order = append(s.order, task.ID)
	}
	s.tasks[task.ID] = task.Clone()
}

// Get returns a copy of the task.
func (s *TaskStore) Get(id string) (*model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (s *TaskStore) SetRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.State != model.TaskPending {
		return false
	}
	now := time.Now()
	t.State = model.TaskRunning
	t.Started = &now
	return true
}

func (s *TaskStore) SetExternalJob(id, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok && !t.State.Terminal() {
		t.ExternalJobID = jobID
	}
}

// Finish moves a task to the terminal state implied by result. A task that is
// already terminal is left untouched.
func (s *TaskStore) Finish(id string, result model.TaskResult) (*model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.State.Terminal() {
		return nil, false
	}
	now := time.Now()
	t.State = result.Status.State()
	t.Result = &result
	t.Finished = &now
	if result.Status != model.StatusSuccess {
		msg := result.Message
		t.LastError = &msg
	}
	return t.Clone(), true
}

// List returns copies in submission order.
func (s *TaskStore) List() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}
