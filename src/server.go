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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"meshworker/src/history"
	"meshworker/src/logging"
	"meshworker/src/model"
	"meshworker/src/processor"
)

const maxUploadMemory = 32 << 20

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	service   *processor.Service
	stats     *logging.WorkerStats
	ledger    *history.PostgresStore // nil when the ledger is disabled
	outputDir string
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type taskStateResponse struct {
	TaskID string                 `json:"task_id"`
	State  processor.RequestState `json:"state"`
	Result *model.TaskResult      `json:"result,omitempty"`
}

type cancelResponse struct {
	TaskID string                  `json:"task_id"`
	Status processor.CancelOutcome `json:"status"`
}

// Handler builds the routed, CORS-enabled and traced handler.
func (s *APIServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/generate-3d-model", s.generateHandler).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.submitHandler).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.taskStateHandler).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.cancelHandler).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/cancel", s.cancelHandler).Methods(http.MethodPost)
	r.PathPrefix("/output/").
		Handler(http.StripPrefix("/output/", http.FileServer(http.Dir(s.outputDir)))).
		Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/global-status", s.globalStatusHandler).Methods(http.MethodGet)

	return otelhttp.NewHandler(corsMiddleware(r), "worker-api-server")
}

// StartAPIServer serves until ctx is done, then cancels in-flight tasks and
// drains the server.
func StartAPIServer(ctx context.Context, port string, s *APIServer) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// synchronous requests return once their tasks observe the cancellation
		if err := s.service.Shutdown(shutdownCtx); err != nil {
			logging.Log(fmt.Sprintf("Tasks still unwinding at shutdown: %v", err), slog.LevelWarn)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}
	return nil
}

func (s *APIServer) generateHandler(w http.ResponseWriter, r *http.Request) {
	inputs, formats, closeAll, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: err.Error()})
		return
	}
	defer closeAll()

	connected := func() bool { return r.Context().Err() == nil }
	result, err := s.service.Generate(r.Context(), inputs, formats, connected)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	inputs, formats, closeAll, err := readUpload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: err.Error()})
		return
	}
	defer closeAll()

	id, err := s.service.SubmitTask(r.Context(), inputs, formats)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskStateResponse{TaskID: id, State: processor.StateProcessing})
}

func (s *APIServer) taskStateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	state, result := s.service.GetTaskState(id)
	status := http.StatusOK
	if state == processor.StateNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, taskStateResponse{TaskID: id, State: state, Result: result})
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	outcome := s.service.CancelTask(id)
	status := http.StatusOK
	if outcome == processor.CancelNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, cancelResponse{TaskID: id, Status: outcome})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "error", Message: "history ledger disabled"})
		return
	}
	gs, err := s.ledger.GlobalStats(r.Context())
	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

// readUpload collects the "files" parts and the optional comma separated
// "formats" field. closeAll must be called once the inputs are consumed.
func readUpload(r *http.Request) ([]processor.Input, []string, func(), error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["files[]"]
	}

	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
		_ = r.MultipartForm.RemoveAll()
	}
	inputs := make([]processor.Input, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		opened = append(opened, f)
		inputs = append(inputs, processor.Input{Name: h.Filename, Body: f})
	}

	var formats []string
	if raw := r.FormValue("formats"); raw != "" {
		formats = strings.Split(raw, ",")
	}
	return inputs, formats, closeAll, nil
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, processor.ErrNoImages):
		writeJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: err.Error()})
	case errors.Is(err, processor.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Status: "error", Message: err.Error()})
	default:
		logging.Log(fmt.Sprintf("Request failed: %v", err), slog.LevelError)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: "error", Message: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprintf(os.Stderr, "encode response: %v\n", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
