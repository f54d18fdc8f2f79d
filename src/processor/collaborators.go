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
	"context"

	"meshworker/src/model"
)

// JobClient is the remote generation service. Conversion jobs are polled and
// downloaded through the same GetStatus/DownloadResults calls.
type JobClient interface {
	SubmitSingle(ctx context.Context, imagePath string) (string, error)
	SubmitMultiView(ctx context.Context, imagePaths []string) (string, error)
	GetStatus(ctx context.Context, jobID string) (model.JobInfo, error)
	// DownloadResults returns format key -> local path. model.PBRModelKey marks
	// the primary textured model when the job produced one.
	DownloadResults(ctx context.Context, jobID, destDir string) (map[string]string, error)
	RequestConversion(ctx context.Context, jobID, format string) (string, error)
}

// Publisher moves a local file to durable storage and returns its public URL.
type Publisher interface {
	Upload(ctx context.Context, localPath, destKey string) (string, error)
}

// Recorder keeps an outcome ledger. Failures are logged and never affect the task.
type Recorder interface {
	Record(ctx context.Context, task *model.Task) error
}
