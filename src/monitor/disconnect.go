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

package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"meshworker/src/logging"
)

// Canceller is the part of the task registry the monitor needs.
type Canceller interface {
	Cancel(id string) bool
}

// Monitor cancels a task once the client that requested it goes away.
type Monitor struct {
	tasks    Canceller
	interval time.Duration
}

func New(tasks Canceller, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{tasks: tasks, interval: interval}
}

// Watch checks connected once per interval until done is closed or the client
// is gone. It reports whether a disconnect was seen and the task cancelled.
func (m *Monitor) Watch(taskID string, connected func() bool, done <-chan struct{}) bool {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return false
		case <-ticker.C:
			if connected() {
				continue
			}
			if m.tasks.Cancel(taskID) {
				logging.Log(fmt.Sprintf("Client disconnected, cancelled task %s", taskID), slog.LevelWarn)
			} else {
				logging.Log(fmt.Sprintf("Client disconnected after task %s had already ended", taskID), slog.LevelDebug)
			}
			return true
		}
	}
}
