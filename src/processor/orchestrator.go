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
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"meshworker/src/logging"
	"meshworker/src/model"
	"meshworker/src/registry"
)

const (
	successMessage   = "Models generated & uploaded"
	cancelledMessage = "task cancelled"
	thumbnailFolder  = "thumbnails"
)

// Orchestrator runs one task end to end: poll, relocate, upload, clean up.
type Orchestrator struct {
	registry  *registry.Registry
	poller    *Poller
	publisher Publisher
	store     *TaskStore
	stats     *logging.WorkerStats
	recorder  Recorder
	outputDir string
	now       func() time.Time
}

func NewOrchestrator(reg *registry.Registry, poller *Poller, publisher Publisher, store *TaskStore, stats *logging.WorkerStats, recorder Recorder, outputDir string) *Orchestrator {
	return &Orchestrator{
		registry:  reg,
		poller:    poller,
		publisher: publisher,
		store:     store,
		stats:     stats,
		recorder:  recorder,
		outputDir: outputDir,
		now:       time.Now,
	}
}

// Run never returns without deregistering the task, whatever happened.
func (o *Orchestrator) Run(task *model.Task, h *registry.Handle) (result model.TaskResult) {
	ctx, span := logging.StartSpan(h.Context(), "task.run",
		attribute.String("task.id", task.ID),
		attribute.StringSlice("task.formats", task.Formats))

	if o.store.SetRunning(task.ID) {
		if running, ok := o.store.Get(task.ID); ok {
			o.record(ctx, running)
		}
	}
	o.stats.TaskStarted(ctx)
	logging.Log(fmt.Sprintf("Task %s started with %d image(s)", task.ID, len(task.Inputs)), slog.LevelInfo)

	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Task %s crashed: %v", task.ID, r), slog.LevelError)
			o.cleanupInputs(task)
			result = model.TaskResult{TaskID: task.ID, Status: model.StatusError, Message: fmt.Sprintf("unexpected error: %v", r)}
		}
		// release the slot before anything else can observe the outcome, so a
		// cancel either lands here or reports already_terminal
		if !o.registry.Deregister(task.ID) {
			logging.Log(fmt.Sprintf("Task %s was already removed from the registry", task.ID), slog.LevelDebug)
		}
		if h.Cancelled() && result.Status == model.StatusSuccess {
			result = cancelledResult()
			result.TaskID = task.ID
		}
		o.finish(ctx, task, result)
		span.SetAttributes(attribute.String("task.status", string(result.Status)))
		if result.Status != model.StatusSuccess {
			span.SetStatus(codes.Error, result.Message)
		}
		span.End()
	}()

	result = o.run(ctx, task)
	result.TaskID = task.ID
	return result
}

func (o *Orchestrator) run(ctx context.Context, task *model.Task) model.TaskResult {
	active := func() bool { return o.registry.IsActive(task.ID) }

	poll := o.poller.Run(ctx, PollRequest{
		TaskID:  task.ID,
		Images:  task.Inputs,
		Formats: task.Formats,
		Active:  active,
		OnSubmitted: func(jobID string) {
			o.store.SetExternalJob(task.ID, jobID)
		},
	})
	if poll.Status != model.StatusSuccess {
		o.cleanupInputs(task)
		return model.TaskResult{Status: poll.Status, Message: pollMessage(poll), Details: poll.Details}
	}

	if !active() {
		o.cleanupInputs(task)
		return cancelledResult()
	}

	// uploads already started run to completion; cancellation is only
	// observed between them
	uploadCtx := context.WithoutCancel(ctx)
	urls := model.NewFileURLs()

	// the primary model is published whatever formats were requested
	base := o.poller.cfg.BaseFormat
	if poll.PBRModel != "" {
		if !active() {
			o.cleanupInputs(task)
			return cancelledResult()
		}
		url, err := o.publishArtifact(uploadCtx, poll.PBRModel, base)
		if err != nil {
			o.cleanupInputs(task)
			return model.TaskResult{Status: model.StatusError, Message: fmt.Sprintf("upload failed: %v", err)}
		}
		if url != "" {
			urls.Add(base, url)
		}
	}

	for _, format := range task.Formats {
		format = strings.ToLower(format)
		if format == base {
			continue
		}
		for _, path := range poll.Files[format] {
			if !active() {
				o.cleanupInputs(task)
				return cancelledResult()
			}
			url, err := o.publishArtifact(uploadCtx, path, format)
			if err != nil {
				o.cleanupInputs(task)
				return model.TaskResult{Status: model.StatusError, Message: fmt.Sprintf("upload failed: %v", err)}
			}
			if url != "" {
				urls.Add(format, url)
			}
		}
	}

	if len(task.Inputs) > 0 {
		if !active() {
			o.cleanupInputs(task)
			return cancelledResult()
		}
		url, err := o.publisher.Upload(uploadCtx, task.Inputs[0], o.destKey(thumbnailFolder, task.Inputs[0]))
		if err != nil {
			o.cleanupInputs(task)
			return model.TaskResult{Status: model.StatusError, Message: fmt.Sprintf("thumbnail upload failed: %v", err)}
		}
		logging.AddCounter(ctx, logging.MetricUploads, 1, attribute.String("folder", thumbnailFolder))
		urls.Thumbnail = &url
	}

	o.cleanupInputs(task)
	// a cancel that lands after the last upload still wins over success
	if !active() {
		return cancelledResult()
	}
	return model.TaskResult{Status: model.StatusSuccess, Message: successMessage, FileURLs: &urls}
}

// publishArtifact moves a downloaded file under OUTPUT_DIR/<format> and
// uploads it. A file that vanished is skipped with an empty URL.
func (o *Orchestrator) publishArtifact(ctx context.Context, path, format string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		logging.Log(fmt.Sprintf("Artifact %s missing, skipping: %v", path, err), slog.LevelWarn)
		return "", nil
	}
	dest := filepath.Join(o.outputDir, format, filepath.Base(path))
	if err := moveFile(path, dest); err != nil {
		return "", fmt.Errorf("relocate %s: %w", filepath.Base(path), err)
	}
	ctx, span := logging.StartSpan(ctx, "task.upload", attribute.String("upload.format", format))
	defer span.End()
	url, err := o.publisher.Upload(ctx, dest, o.destKey(format, dest))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	logging.AddCounter(ctx, logging.MetricUploads, 1, attribute.String("folder", format))
	logging.Log(fmt.Sprintf("Uploaded %s -> %s", filepath.Base(dest), url), slog.LevelInfo)
	return url, nil
}

func (o *Orchestrator) destKey(folder, path string) string {
	return fmt.Sprintf("models/%s/%d_%s", folder, o.now().Unix(), filepath.Base(path))
}

func (o *Orchestrator) finish(ctx context.Context, task *model.Task, result model.TaskResult) {
	stored, ok := o.store.Finish(task.ID, result)
	if !ok {
		return
	}
	o.stats.TaskFinished(ctx, stored.State)
	logging.Log(fmt.Sprintf("Task %s finished: %s %s", task.ID, result.Status, result.Message), slog.LevelInfo)
	o.record(ctx, stored)
}

// record writes to the optional ledger. Its failures never change the outcome.
func (o *Orchestrator) record(ctx context.Context, task *model.Task) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.Record(context.WithoutCancel(ctx), task); err != nil {
		logging.Log(fmt.Sprintf("Failed to record task %s: %v", task.ID, err), slog.LevelError)
	}
}

// cleanupInputs deletes the task's input images and their per-task directory.
// Missing files are ignored; the second call is a no-op.
func (o *Orchestrator) cleanupInputs(task *model.Task) {
	dirs := map[string]struct{}{}
	for _, path := range task.Inputs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Log(fmt.Sprintf("Failed to remove input %s: %v", path, err), slog.LevelWarn)
		}
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		// only succeeds once the directory is empty
		_ = os.Remove(dir)
	}
}

func cancelledResult() model.TaskResult {
	return model.TaskResult{Status: model.StatusCancelled, Message: cancelledMessage}
}

func pollMessage(poll PollResult) string {
	if poll.Status == model.StatusCancelled {
		return cancelledMessage
	}
	return poll.Message
}

// moveFile renames src to dst, copying when the rename crosses filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
