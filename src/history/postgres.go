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

// Package history writes task outcomes to PostgreSQL. Nothing is ever resumed
// from it; it only feeds reporting.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"meshworker/src/logging"
	"meshworker/src/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS TASKS (
	ID              TEXT PRIMARY KEY,
	WORKER_ID       TEXT NOT NULL,
	STATUS          TEXT NOT NULL,
	INPUTS          TEXT[] NOT NULL DEFAULT '{}',
	FORMATS         TEXT[] NOT NULL DEFAULT '{}',
	EXTERNAL_JOB_ID TEXT,
	CREATED         TIMESTAMPTZ NOT NULL,
	STARTED         TIMESTAMPTZ,
	FINISHED        TIMESTAMPTZ,
	LAST_ERROR      TEXT,
	OUTPUT          JSONB
)`

const upsert = `
INSERT INTO TASKS (ID, WORKER_ID, STATUS, INPUTS, FORMATS, EXTERNAL_JOB_ID, CREATED, STARTED, FINISHED, LAST_ERROR, OUTPUT)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
ON CONFLICT (ID) DO UPDATE SET
	STATUS = EXCLUDED.STATUS,
	EXTERNAL_JOB_ID = COALESCE(EXCLUDED.EXTERNAL_JOB_ID, TASKS.EXTERNAL_JOB_ID),
	STARTED = COALESCE(EXCLUDED.STARTED, TASKS.STARTED),
	FINISHED = EXCLUDED.FINISHED,
	LAST_ERROR = EXCLUDED.LAST_ERROR,
	OUTPUT = EXCLUDED.OUTPUT`

// GlobalStats represents system-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	SucceededTasks  int     `json:"succeeded_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CancelledTasks  int     `json:"cancelled_tasks"`
	TimedOutTasks   int     `json:"timed_out_tasks"`
	ErroredTasks    int     `json:"errored_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

type PostgresStore struct {
	db       *sql.DB
	workerID string
}

// Open connects and creates the table if needed.
func Open(ctx context.Context, connStr, workerID string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect history db: %w", err)
	}
	s := &PostgresStore{db: db, workerID: workerID}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// Record upserts the current view of task.
func (s *PostgresStore) Record(ctx context.Context, task *model.Task) error {
	output, err := outputJSON(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsert,
		task.ID, s.workerID, string(task.State),
		pq.Array(task.Inputs), pq.Array(task.Formats),
		task.ExternalJobID, task.Created, task.Started, task.Finished,
		task.LastError, output)
	if err != nil {
		return fmt.Errorf("record task %s: %w", task.ID, err)
	}
	return nil
}

// RecoverTasks marks rows this worker left running as errored. A crashed
// process lost its in-memory registry, so those tasks can never finish.
func (s *PostgresStore) RecoverTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE TASKS
		SET STATUS = $1,
		    FINISHED = NOW(),
		    LAST_ERROR = 'worker restarted'
		WHERE STATUS IN ($2, $3)
		AND WORKER_ID = $4`,
		model.TaskErrored, model.TaskPending, model.TaskRunning, s.workerID)
	if err != nil {
		return 0, err
	}
	count, _ := res.RowsAffected()
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale tasks (marked as errored)", count), slog.LevelInfo)
	}
	return count, nil
}

func (s *PostgresStore) GlobalStats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status IN ('pending', 'running')) as running,
				COUNT(*) FILTER (WHERE status = 'succeeded') as succeeded,
				COUNT(*) FILTER (WHERE status = 'failed') as failed,
				COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled,
				COUNT(*) FILTER (WHERE status = 'timed_out') as timed_out,
				COUNT(*) FILTER (WHERE status = 'errored') as errored
			FROM TASKS
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished - started))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE finished > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM TASKS
			WHERE status = 'succeeded' AND finished IS NOT NULL AND started IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.RunningTasks, &gs.SucceededTasks, &gs.FailedTasks,
		&gs.CancelledTasks, &gs.TimedOutTasks, &gs.ErroredTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	return gs, err
}

func outputJSON(result *model.TaskResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
