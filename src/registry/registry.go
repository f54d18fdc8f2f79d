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

// Package registry tracks in-flight tasks. A task may keep running only while
// it is registered and its handle has not been cancelled; nothing else is
// consulted for cancellation.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrDuplicateTask = errors.New("task already registered")

// Handle is the cancellation token of one task. Cancelling is level-triggered:
// once set, every later check observes it.
type Handle struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewHandle derives the task context from parent. Cancelling the handle also
// cancels that context so sleeps between polls wake up early.
func NewHandle(parent context.Context, id string) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{id: id, ctx: ctx, cancel: cancel}
}

func (h *Handle) ID() string                { return h.id }
func (h *Handle) Context() context.Context { return h.ctx }
func (h *Handle) Cancelled() bool          { return h.cancelled.Load() }

// trip marks the handle cancelled. Only the first call returns true.
func (h *Handle) trip() bool {
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

// release frees the context resources without marking the handle cancelled.
func (h *Handle) release() {
	h.cancel()
}

// Registry maps task ids to handles. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Handle
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*Handle)}
}

func (r *Registry) Register(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return ErrDuplicateTask
	}
	r.tasks[id] = h
	return nil
}

// Deregister removes id after its orchestrator reached a terminal state.
// Returns false if the task was already gone, e.g. cancelled earlier.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	h, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if ok {
		h.release()
	}
	return ok
}

func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	h, ok := r.tasks[id]
	r.mu.RUnlock()
	return ok && !h.Cancelled()
}

// Cancel removes id and trips its handle. Cancelling an unknown or already
// cancelled task is a no-op that returns false.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	h, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return h.trip()
}

// CancelAll cancels every registered task and clears the registry. Used at
// shutdown; remote jobs are left alone.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	handles := r.tasks
	r.tasks = make(map[string]*Handle)
	r.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.trip() {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
