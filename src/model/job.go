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

// JobStatus is the remote status of an external generation or conversion job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobInfo is one observation of an external job.
type JobInfo struct {
	ID       string
	Status   JobStatus
	Progress int
	Details  string // raw remote description, surfaced verbatim on failure
}

// PBRModelKey identifies the primary textured model in downloaded results.
const PBRModelKey = "pbr_model"
