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

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StatusResponse matches the worker's /status body
type StatusResponse struct {
	ID             string `json:"id"`
	Uptime         string `json:"uptime"`
	TasksProcessed uint64 `json:"tasks_processed"`
	TasksSucceeded uint64 `json:"tasks_succeeded"`
	TasksFailed    uint64 `json:"tasks_failed"`
	TasksCancelled uint64 `json:"tasks_cancelled"`
	TasksTimedOut  uint64 `json:"tasks_timed_out"`
	TasksErrored   uint64 `json:"tasks_errored"`
	ActiveTasks    int64  `json:"active_tasks"`
}

type taskState struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Result *struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"result"`
}

type tracked struct {
	id        string
	submitted time.Time
	finished  time.Time
	status    string
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	imageDir := flag.String("images", "", "Directory of input images; all of them go into every task")
	tasks := flag.Int("tasks", 5, "Number of tasks to submit")
	cancelRatio := flag.Float64("cancel", 0.2, "Fraction of tasks to cancel right after submission")
	formats := flag.String("formats", "glb,usdz", "Requested output formats")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "", "Worker API port (defaults to API_PORT or 8080)")
	timeout := flag.Duration("timeout", 15*time.Minute, "Give up after this long")
	flag.Parse()

	if *imageDir == "" {
		fmt.Printf("%sPlease specify an image directory using --images=<dir>%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	images, err := listImages(*imageDir)
	if err != nil || len(images) == 0 {
		fmt.Printf("%sNo images found in %s: %v%s\n", colorRed, *imageDir, err, colorReset)
		os.Exit(1)
	}

	fmt.Printf("\n%s%s >> MESHWORKER BENCHMARK << %d task(s), %d image(s) each%s\n", colorCyan, colorBold, *tasks, len(images), colorReset)

	startTime := time.Now()
	var all []*tracked
	for i := 0; i < *tasks; i++ {
		id, err := submit(base, images, *formats)
		if err != nil {
			fmt.Printf("%s[ERR]%s Submit %d failed: %v\n", colorRed, colorReset, i+1, err)
			continue
		}
		all = append(all, &tracked{id: id, submitted: time.Now()})
	}
	toCancel := int(float64(len(all)) * *cancelRatio)
	for _, t := range all[:toCancel] {
		if err := cancel(base, t.id); err != nil {
			fmt.Printf("%s[WARN]%s Cancel %s failed: %v\n", colorYellow, colorReset, t.id, err)
		}
	}
	fmt.Printf("%s[OK]%s %d submitted, %d cancellation(s) requested.\n\n", colorGreen, colorReset, len(all), toCancel)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	fmt.Printf("%s%-10s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "DONE", "ACTIVE", "SUCCEEDED", "CANCELLED", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------" + colorReset)

	for range ticker.C {
		pending := 0
		for _, t := range all {
			if t.status != "" {
				continue
			}
			st, err := getTask(base, t.id)
			if err != nil || st.State == "processing" {
				pending++
				continue
			}
			t.finished = time.Now()
			t.status = st.State
			if st.Result != nil {
				t.status = st.Result.Status
			}
		}

		elapsed := time.Since(startTime).Round(time.Second).String()
		stats, err := getStatus(base)
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
		} else {
			fmt.Printf("\r%-10s %-10d %s%-10d%s %s%-10d%s %-10d",
				elapsed, len(all)-pending,
				colorYellow, stats.ActiveTasks, colorReset,
				colorGreen, stats.TasksSucceeded, colorReset,
				stats.TasksCancelled)
		}

		if pending == 0 || time.Since(startTime) > *timeout {
			fmt.Printf("\n%s------------------------------------------------------%s\n", colorGray, colorReset)
			printReport(all, time.Since(startTime))
			return
		}
	}
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".webp":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func submit(base string, images []string, formats string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range images {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		part, err := mw.CreateFormFile("files", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return "", err
		}
	}
	if err := mw.WriteField("formats", formats); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := http.Post(base+"/tasks", mw.FormDataContentType(), &body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var st taskState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", err
	}
	return st.TaskID, nil
}

func cancel(base, id string) error {
	req, err := http.NewRequest(http.MethodDelete, base+"/tasks/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func getTask(base, id string) (taskState, error) {
	var st taskState
	resp, err := http.Get(base + "/tasks/" + id)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func getStatus(base string) (StatusResponse, error) {
	resp, err := http.Get(base + "/status")
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	var stats StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatusResponse{}, err
	}
	return stats, nil
}

func printReport(all []*tracked, duration time.Duration) {
	counts := map[string]int{}
	var latency time.Duration
	finished := 0
	for _, t := range all {
		status := t.status
		if status == "" {
			status = "unfinished"
		} else {
			finished++
			latency += t.finished.Sub(t.submitted)
		}
		counts[status]++
	}
	avg := time.Duration(0)
	if finished > 0 {
		avg = latency / time.Duration(finished)
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", len(all)))
	for _, status := range []string{"success", "failed", "cancelled", "timed_out", "error", "unfinished"} {
		color := colorGreen
		if status != "success" && counts[status] > 0 {
			color = colorRed
			if status == "cancelled" {
				color = colorYellow
			}
		}
		fmt.Printf(colorCyan+"┃"+"  %-22s "+color+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - "+status+":", fmt.Sprintf("%d", counts[status]))
	}
	fmt.Printf(lineFmt+"\n", "Avg Latency:", avg.Truncate(time.Millisecond).String())

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
