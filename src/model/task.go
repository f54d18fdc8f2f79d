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

package model

import "time"

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskTimedOut  TaskState = "timed_out"
	TaskErrored   TaskState = "errored"
)

// Terminal reports whether no further transition can leave s.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimedOut, TaskErrored:
		return true
	}
	return false
}

type Task struct {
	ID            string
	Inputs        []string // local image paths, owned by the task until cleanup
	Formats       []string
	State         TaskState
	ExternalJobID string
	Result        *TaskResult
	LastError     *string
	Created       time.Time
	Started       *time.Time
	Finished      *time.Time
}

// Clone returns a copy that shares no slices with t.
func (t *Task) Clone() *Task {
	c := *t
	c.Inputs = append([]string(nil), t.Inputs...)
	c.Formats = append([]string(nil), t.Formats...)
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}
