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

package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/skip"

	"meshworker/src/model"
)

func TestOutputJSON(t *testing.T) {
	out, err := outputJSON(nil)
	assert.NilError(t, err)
	assert.Assert(t, out == nil)

	out, err = outputJSON(&model.TaskResult{Status: model.StatusCancelled, Message: "task cancelled"})
	assert.NilError(t, err)
	assert.Equal(t, out, `{"status":"cancelled","message":"task cancelled"}`)
}

// Runs against a real database when HISTORY_TEST_DSN is set, e.g.
// "user=postgres password=postgres dbname=postgres host=localhost sslmode=disable".
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("HISTORY_TEST_DSN")
	skip.If(t, dsn == "", "HISTORY_TEST_DSN not set")

	ctx := context.Background()
	workerID := "test-" + uuid.NewString()
	store, err := Open(ctx, dsn, workerID)
	assert.NilError(t, err)
	defer store.Close()

	started := time.Now().Add(-time.Minute)
	running := &model.Task{
		ID: uuid.NewString(), State: model.TaskRunning,
		Inputs: []string{"uploads/a/00_front.png"}, Formats: []string{"glb"},
		Created: started, Started: &started,
	}
	assert.NilError(t, store.Record(ctx, running))

	stale := &model.Task{ID: uuid.NewString(), State: model.TaskRunning, Created: started}
	assert.NilError(t, store.Record(ctx, stale))

	finished := time.Now()
	done := running.Clone()
	done.State = model.TaskSucceeded
	done.ExternalJobID = "job-1"
	done.Finished = &finished
	done.Result = &model.TaskResult{Status: model.StatusSuccess, Message: "ok"}
	assert.NilError(t, store.Record(ctx, done))

	recovered, err := store.RecoverTasks(ctx)
	assert.NilError(t, err)
	assert.Equal(t, recovered, int64(1))

	var status, lastErr string
	assert.NilError(t, store.db.QueryRowContext(ctx,
		"SELECT STATUS, LAST_ERROR FROM TASKS WHERE ID = $1", stale.ID).Scan(&status, &lastErr))
	assert.Equal(t, status, string(model.TaskErrored))
	assert.Equal(t, lastErr, "worker restarted")

	gs, err := store.GlobalStats(ctx)
	assert.NilError(t, err)
	assert.Assert(t, gs.SucceededTasks >= 1)
	assert.Assert(t, gs.ErroredTasks >= 1)
}
