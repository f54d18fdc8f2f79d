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

package logging

import (
	"context"
	"sync"
	"time"

	"meshworker/src/model"
)

// Counter names registered by RegisterWorkerMetrics.
const (
	MetricTasksTotal     = "worker_tasks_total"
	MetricTasksSucceeded = "worker_tasks_succeeded"
	MetricTasksFailed    = "worker_tasks_failed"
	MetricTasksCancelled = "worker_tasks_cancelled"
	MetricTasksTimedOut  = "worker_tasks_timed_out"
	MetricTasksErrored   = "worker_tasks_errored"
	MetricFormatFailures = "worker_format_failures"
	MetricUploads        = "worker_uploads_total"
)

func RegisterWorkerMetrics() {
	InitializeFloatCounter(MetricTasksTotal, "Total number of tasks accepted by the worker", "Task")
	InitializeFloatCounter(MetricTasksSucceeded, "Number of succeeded tasks", "Task")
	InitializeFloatCounter(MetricTasksFailed, "Number of tasks the generation service failed", "Task")
	InitializeFloatCounter(MetricTasksCancelled, "Number of cancelled tasks", "Task")
	InitializeFloatCounter(MetricTasksTimedOut, "Number of tasks that exhausted the poll budget", "Task")
	InitializeFloatCounter(MetricTasksErrored, "Number of tasks ended by an unexpected error", "Task")
	InitializeFloatCounter(MetricFormatFailures, "Number of output format conversions dropped", "Format")
	InitializeFloatCounter(MetricUploads, "Number of artifacts uploaded", "File")
}

// StatusResponse for JSON output
type StatusResponse struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	TasksProcessed uint64    `json:"tasks_processed"`
	TasksSucceeded uint64    `json:"tasks_succeeded"`
	TasksFailed    uint64    `json:"tasks_failed"`
	TasksCancelled uint64    `json:"tasks_cancelled"`
	TasksTimedOut  uint64    `json:"tasks_timed_out"`
	TasksErrored   uint64    `json:"tasks_errored"`
	ActiveTasks    int64     `json:"active_tasks"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// TaskStarted counts a newly accepted task.
func (s *WorkerStats) TaskStarted(ctx context.Context) {
	s.mu.Lock()
	s.statusResponse.TasksProcessed++
	s.statusResponse.ActiveTasks++
	s.mu.Unlock()
	AddCounter(ctx, MetricTasksTotal, 1)
}

// TaskFinished counts a task that reached state.
func (s *WorkerStats) TaskFinished(ctx context.Context, state model.TaskState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.ActiveTasks--
	switch state {
	case model.TaskSucceeded:
		s.statusResponse.TasksSucceeded++
		AddCounter(ctx, MetricTasksSucceeded, 1)
	case model.TaskFailed:
		s.statusResponse.TasksFailed++
		AddCounter(ctx, MetricTasksFailed, 1)
	case model.TaskCancelled:
		s.statusResponse.TasksCancelled++
		AddCounter(ctx, MetricTasksCancelled, 1)
	case model.TaskTimedOut:
		s.statusResponse.TasksTimedOut++
		AddCounter(ctx, MetricTasksTimedOut, 1)
	default:
		s.statusResponse.TasksErrored++
		AddCounter(ctx, MetricTasksErrored, 1)
	}
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
