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

// Package janitor removes artifacts that cancelled or crashed tasks left in
// the temporary download area.
package janitor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"meshworker/src/logging"
)

// RunOutputSweeper sweeps dir every interval until ctx is done.
func RunOutputSweeper(ctx context.Context, dir string, maxAge, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := Sweep(dir, maxAge, time.Now())
			if err != nil {
				logging.Log(fmt.Sprintf("Output sweep of %s failed: %v", dir, err), slog.LevelError)
				continue
			}
			if removed > 0 {
				logging.Log(fmt.Sprintf("Swept %d stale artifact(s) from %s", removed, dir), slog.LevelInfo)
			}
		}
	}
}

// Sweep deletes regular files under dir last modified before now-maxAge, then
// any stale directories left empty. The root itself is kept.
func Sweep(dir string, maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge)
	removed := 0
	var dirs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			// mtime is read before any child is removed; fresh download dirs stay
			if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	// deepest first so parents empty out
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		_ = os.Remove(d)
	}
	return removed, nil
}
