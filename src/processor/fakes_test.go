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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"meshworker/src/model"
)

// fakeClient scripts remote status sequences per job id. The last status of a
// script repeats forever.
type fakeClient struct {
	mu sync.Mutex

	statuses    map[string][]model.JobStatus
	details     map[string]string
	conversions map[string]string // format -> conversion job id
	noPBR       bool

	submits     int
	multiView   int
	polls       map[string]int
	converted   []string
	failConvert map[string]error

	// onPoll runs before each GetStatus answer, outside the lock.
	onPoll func(jobID string, n int)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses:    map[string][]model.JobStatus{"job-1": {model.JobSuccess}},
		details:     map[string]string{},
		conversions: map[string]string{"usdz": "conv-usdz", "fbx": "conv-fbx"},
		polls:       map[string]int{},
		failConvert: map[string]error{},
	}
}

func (c *fakeClient) SubmitSingle(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return "job-1", nil
}

func (c *fakeClient) SubmitMultiView(_ context.Context, _ []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.multiView++
	return "job-1", nil
}

func (c *fakeClient) GetStatus(_ context.Context, jobID string) (model.JobInfo, error) {
	c.mu.Lock()
	c.polls[jobID]++
	n := c.polls[jobID]
	script := c.statuses[jobID]
	hook := c.onPoll
	c.mu.Unlock()

	if hook != nil {
		hook(jobID, n)
	}
	if len(script) == 0 {
		return model.JobInfo{}, fmt.Errorf("unknown job %s", jobID)
	}
	idx := n - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return model.JobInfo{ID: jobID, Status: script[idx], Details: c.details[jobID]}, nil
}

func (c *fakeClient) DownloadResults(_ context.Context, jobID, destDir string) (map[string]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	write := func(name string) (string, error) {
		p := filepath.Join(destDir, name)
		return p, os.WriteFile(p, []byte(jobID), 0o644)
	}
	if jobID == "job-1" {
		out := map[string]string{}
		base, err := write(jobID + "_model.glb")
		if err != nil {
			return nil, err
		}
		out["model"] = base
		if !c.noPBR {
			pbr, err := write(jobID + "_pbr_model.glb")
			if err != nil {
				return nil, err
			}
			out[model.PBRModelKey] = pbr
		}
		return out, nil
	}
	p, err := write(jobID + "_model.out")
	if err != nil {
		return nil, err
	}
	return map[string]string{"model": p, "rendered_image": ""}, nil
}

func (c *fakeClient) RequestConversion(_ context.Context, _ string, format string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.converted = append(c.converted, format)
	if err := c.failConvert[format]; err != nil {
		return "", err
	}
	return c.conversions[format], nil
}

func (c *fakeClient) pollCount(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[jobID]
}

func (c *fakeClient) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

type panicClient struct{ *fakeClient }

func (panicClient) GetStatus(context.Context, string) (model.JobInfo, error) {
	panic("sdk exploded")
}

type fakePublisher struct {
	mu      sync.Mutex
	uploads []string
	err     error
	onCall  func(key string)
}

func (p *fakePublisher) Upload(_ context.Context, localPath, key string) (string, error) {
	if p.onCall != nil {
		p.onCall(key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	p.uploads = append(p.uploads, key)
	return "https://cdn.test/" + key, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.uploads)
}

type fakeRecorder struct {
	mu    sync.Mutex
	tasks []*model.Task

	// onRecord runs before the task is stored, outside the lock.
	onRecord func(task *model.Task)
}

func (r *fakeRecorder) Record(_ context.Context, task *model.Task) error {
	if r.onRecord != nil {
		r.onRecord(task)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func testPollerConfig(dir string) PollerConfig {
	return PollerConfig{
		Interval:          time.Millisecond,
		MaxWait:           50 * time.Millisecond,
		ConversionMaxWait: 20 * time.Millisecond,
		BaseFormat:        "glb",
		DownloadDir:       dir,
	}
}

func writeInputs(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	assert.NilError(t, os.MkdirAll(dir, 0o755))
	paths := make([]string, 0, len(names))
	for _, n := range names {
		p := filepath.Join(dir, n)
		assert.NilError(t, os.WriteFile(p, []byte("png"), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func assertGone(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.Assert(t, os.IsNotExist(err), "expected %s to be deleted", p)
	}
}

func alwaysActive() bool { return true }
