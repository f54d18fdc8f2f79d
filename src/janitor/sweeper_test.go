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

package janitor

import (
	"context"
	"os"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"
)

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	dir := fs.NewDir(t, "sweep",
		fs.WithDir("task-a", fs.WithFile("job_pbr_model.glb", "old")),
		fs.WithDir("task-b", fs.WithDir("usdz", fs.WithFile("job.usdz", "new"))),
	)
	old := time.Now().Add(-2 * time.Hour)
	assert.NilError(t, os.Chtimes(dir.Join("task-a", "job_pbr_model.glb"), old, old))
	assert.NilError(t, os.Chtimes(dir.Join("task-a"), old, old))

	removed, err := Sweep(dir.Path(), time.Hour, time.Now())
	assert.NilError(t, err)
	assert.Equal(t, removed, 1)

	_, err = os.Stat(dir.Join("task-a"))
	assert.Assert(t, os.IsNotExist(err), "emptied task directory should be removed")
	_, err = os.Stat(dir.Join("task-b", "usdz", "job.usdz"))
	assert.NilError(t, err)
	_, err = os.Stat(dir.Path())
	assert.NilError(t, err)
}

func TestSweepKeepsFreshEmptyDir(t *testing.T) {
	dir := fs.NewDir(t, "sweep",
		fs.WithDir("task-new"),
		fs.WithDir("task-old"),
	)
	old := time.Now().Add(-2 * time.Hour)
	assert.NilError(t, os.Chtimes(dir.Join("task-old"), old, old))

	removed, err := Sweep(dir.Path(), time.Hour, time.Now())
	assert.NilError(t, err)
	assert.Equal(t, removed, 0)

	_, err = os.Stat(dir.Join("task-new"))
	assert.NilError(t, err, "download dir created moments ago must survive")
	_, err = os.Stat(dir.Join("task-old"))
	assert.Assert(t, os.IsNotExist(err))
}

func TestSweepMissingDir(t *testing.T) {
	removed, err := Sweep("/nonexistent/sweep/root", time.Hour, time.Now())
	assert.NilError(t, err)
	assert.Equal(t, removed, 0)
}

func TestRunOutputSweeperStopsOnCancel(t *testing.T) {
	dir := fs.NewDir(t, "sweep", fs.WithFile("stale.glb", "x"))
	old := time.Now().Add(-time.Hour)
	assert.NilError(t, os.Chtimes(dir.Join("stale.glb"), old, old))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunOutputSweeper(ctx, dir.Path(), time.Minute, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dir.Join("stale.glb")); os.IsNotExist(err) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	_, err := os.Stat(dir.Join("stale.glb"))
	assert.Assert(t, os.IsNotExist(err))
}
