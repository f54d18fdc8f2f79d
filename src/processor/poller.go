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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"meshworker/src/logging"
	"meshworker/src/model"
)

var ErrNoImages = errors.New("at least one input image is required")

type PollerConfig struct {
	Interval          time.Duration
	MaxWait           time.Duration
	ConversionMaxWait time.Duration
	BaseFormat        string // produced by the generation job itself, never converted
	DownloadDir       string
}

func DefaultPollerConfig(downloadDir string) PollerConfig {
	return PollerConfig{
		Interval:          2 * time.Second,
		MaxWait:           5 * time.Minute,
		ConversionMaxWait: 2 * time.Minute,
		BaseFormat:        "glb",
		DownloadDir:       downloadDir,
	}
}

type PollRequest struct {
	TaskID  string
	Images  []string
	Formats []string
	// Active is the cancellation checkpoint; false means stop now.
	Active      func() bool
	OnSubmitted func(jobID string)
}

type PollResult struct {
	Status   model.ResultStatus
	JobID    string
	PBRModel string              // empty when the job produced no primary model
	Files    map[string][]string // format -> local paths
	Details  string              // remote description for failed/cancelled jobs
	Message  string
}

// Poller drives one external job from submission to a terminal outcome.
type Poller struct {
	client JobClient
	cfg    PollerConfig
}

func NewPoller(client JobClient, cfg PollerConfig) *Poller {
	if cfg.BaseFormat == "" {
		cfg.BaseFormat = "glb"
	}
	return &Poller{client: client, cfg: cfg}
}

func (p *Poller) Run(ctx context.Context, req PollRequest) (res PollResult) {
	var jobID string
	defer func() {
		if r := recover(); r != nil {
			logging.Log(fmt.Sprintf("Job client panicked for task %s (job %q): %v", req.TaskID, jobID, r), slog.LevelError)
			res = PollResult{Status: model.StatusError, JobID: jobID, Message: fmt.Sprintf("unexpected job client failure: %v", r)}
		}
	}()

	if !req.Active() {
		return PollResult{Status: model.StatusCancelled, Message: "cancelled before submission"}
	}
	if len(req.Images) == 0 {
		return PollResult{Status: model.StatusError, Message: ErrNoImages.Error()}
	}

	ctx, span := logging.StartSpan(ctx, "job.poll",
		attribute.String("task.id", req.TaskID),
		attribute.Int("task.images", len(req.Images)))
	defer span.End()

	var err error
	if len(req.Images) == 1 {
		logging.Log(fmt.Sprintf("Task %s: submitting single-view generation", req.TaskID), slog.LevelInfo)
		jobID, err = p.client.SubmitSingle(ctx, req.Images[0])
	} else {
		logging.Log(fmt.Sprintf("Task %s: submitting multi-view generation from %d images", req.TaskID, len(req.Images)), slog.LevelInfo)
		jobID, err = p.client.SubmitMultiView(ctx, req.Images)
	}
	if err != nil {
		return p.clientFailure(ctx, "", "submit", err)
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	if req.OnSubmitted != nil {
		req.OnSubmitted(jobID)
	}

	info, status, err := p.wait(ctx, jobID, p.cfg.MaxWait, req.Active)
	switch {
	case err != nil:
		return p.clientFailure(ctx, jobID, "poll", err)
	case status == model.StatusTimedOut:
		logging.Log(fmt.Sprintf("Task %s: job %s still %s after %s", req.TaskID, jobID, info.Status, p.cfg.MaxWait), slog.LevelWarn)
		return PollResult{Status: status, JobID: jobID, Message: fmt.Sprintf("generation did not finish within %s", p.cfg.MaxWait)}
	case status != model.StatusSuccess:
		return PollResult{Status: status, JobID: jobID, Details: info.Details, Message: fmt.Sprintf("generation job %s", info.Status)}
	}

	taskDir := filepath.Join(p.cfg.DownloadDir, req.TaskID)
	downloaded, err := p.client.DownloadResults(ctx, jobID, taskDir)
	if err != nil {
		return p.clientFailure(ctx, jobID, "download", err)
	}
	res = PollResult{
		Status:   model.StatusSuccess,
		JobID:    jobID,
		PBRModel: downloaded[model.PBRModelKey],
		Files:    map[string][]string{},
	}
	if res.PBRModel == "" {
		logging.Log(fmt.Sprintf("Task %s: job %s returned no %s", req.TaskID, jobID, model.PBRModelKey), slog.LevelWarn)
	}

	for _, format := range req.Formats {
		format = strings.ToLower(format)
		if format == p.cfg.BaseFormat {
			if res.PBRModel != "" {
				res.Files[format] = append(res.Files[format], res.PBRModel)
			}
			continue
		}
		if !req.Active() {
			res.Status = model.StatusCancelled
			res.Message = "cancelled during format conversion"
			return res
		}
		paths, status := p.convert(ctx, req, jobID, format, filepath.Join(taskDir, format))
		switch status {
		case model.StatusSuccess:
			res.Files[format] = paths
		case model.StatusCancelled:
			res.Status = model.StatusCancelled
			res.Message = "cancelled during format conversion"
			return res
		default:
			logging.AddCounter(ctx, logging.MetricFormatFailures, 1, attribute.String("format", format))
		}
	}
	return res
}

// convert runs one conversion job. Anything but success or cancellation drops
// the format and is only logged.
func (p *Poller) convert(ctx context.Context, req PollRequest, jobID, format, destDir string) ([]string, model.ResultStatus) {
	logging.Log(fmt.Sprintf("Task %s: converting %s -> %s", req.TaskID, p.cfg.BaseFormat, strings.ToUpper(format)), slog.LevelInfo)
	convID, err := p.client.RequestConversion(ctx, jobID, format)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.StatusCancelled
		}
		logging.Log(fmt.Sprintf("Task %s: conversion request for %s failed: %v", req.TaskID, format, err), slog.LevelError)
		return nil, model.StatusError
	}

	info, status, err := p.wait(ctx, convID, p.cfg.ConversionMaxWait, req.Active)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.StatusCancelled
		}
		logging.Log(fmt.Sprintf("Task %s: polling %s conversion failed: %v", req.TaskID, format, err), slog.LevelError)
		return nil, model.StatusError
	}
	switch status {
	case model.StatusSuccess:
	case model.StatusCancelled:
		if !req.Active() || ctx.Err() != nil {
			return nil, model.StatusCancelled
		}
		// remote side cancelled the conversion; only this format is lost
		logging.Log(fmt.Sprintf("Task %s: %s conversion cancelled remotely: %s", req.TaskID, format, info.Details), slog.LevelWarn)
		return nil, model.StatusFailed
	case model.StatusTimedOut:
		logging.Log(fmt.Sprintf("Task %s: %s conversion timed out after %s", req.TaskID, format, p.cfg.ConversionMaxWait), slog.LevelWarn)
		return nil, status
	default:
		logging.Log(fmt.Sprintf("Conversion to %s failed for task %s: %s", strings.ToUpper(format), req.TaskID, info.Details), slog.LevelWarn)
		return nil, status
	}

	converted, err := p.client.DownloadResults(ctx, convID, destDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.StatusCancelled
		}
		logging.Log(fmt.Sprintf("Task %s: downloading %s output failed: %v", req.TaskID, format, err), slog.LevelError)
		return nil, model.StatusError
	}
	keys := make([]string, 0, len(converted))
	for k, v := range converted {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		paths = append(paths, converted[k])
	}
	logging.Log(fmt.Sprintf("Task %s: %s saved: %v", req.TaskID, strings.ToUpper(format), paths), slog.LevelInfo)
	return paths, model.StatusSuccess
}

// wait polls jobID until it reaches a remote terminal status, the task is no
// longer active or budget is used up. Elapsed time is counted in whole intervals.
func (p *Poller) wait(ctx context.Context, jobID string, budget time.Duration, active func() bool) (model.JobInfo, model.ResultStatus, error) {
	var elapsed time.Duration
	info := model.JobInfo{ID: jobID}
	for {
		if !active() || ctx.Err() != nil {
			return info, model.StatusCancelled, nil
		}
		var err error
		info, err = p.client.GetStatus(ctx, jobID)
		if err != nil {
			return info, model.StatusError, err
		}
		switch info.Status {
		case model.JobSuccess:
			return info, model.StatusSuccess, nil
		case model.JobFailed:
			return info, model.StatusFailed, nil
		case model.JobCancelled:
			return info, model.StatusCancelled, nil
		}
		logging.UpdateSpanValue(ctx, "job.progress", float64(info.Progress))

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return info, model.StatusCancelled, nil
		case <-timer.C:
		}
		elapsed += p.cfg.Interval
		if elapsed >= budget {
			return info, model.StatusTimedOut, nil
		}
	}
}

// clientFailure converts a collaborator error into a result. An error caused
// by the task context being cancelled mid-call is a cancellation, not a failure.
func (p *Poller) clientFailure(ctx context.Context, jobID, op string, err error) PollResult {
	if ctx.Err() != nil {
		return PollResult{Status: model.StatusCancelled, JobID: jobID, Message: "cancelled while waiting on " + op}
	}
	logging.Log(fmt.Sprintf("Job client %s failed (job %q): %v", op, jobID, err), slog.LevelError)
	return PollResult{Status: model.StatusError, JobID: jobID, Message: fmt.Sprintf("%s failed: %v", op, err)}
}
