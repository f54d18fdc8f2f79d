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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshworker/src/logging"
	"meshworker/src/model"
	"meshworker/src/monitor"
	"meshworker/src/registry"
)

// RequestState is the caller-facing view of a task.
type RequestState string

const (
	StateProcessing RequestState = "processing"
	StateCompleted  RequestState = "completed"
	StateFailed     RequestState = "failed"
	StateNotFound   RequestState = "not_found"
)

// CancelOutcome reports what CancelTask did.
type CancelOutcome string

const (
	CancelAccepted        CancelOutcome = "cancelled"
	CancelAlreadyTerminal CancelOutcome = "already_terminal"
	CancelNotFound        CancelOutcome = "not_found"
)

var ErrShuttingDown = errors.New("worker is shutting down")

// Input is one uploaded image.
type Input struct {
	Name string
	Body io.Reader
}

type ServiceConfig struct {
	UploadDir          string
	OutputDir          string
	DefaultFormats     []string
	DisconnectInterval time.Duration
	Poller             PollerConfig
}

type Dependencies struct {
	Client    JobClient
	Publisher Publisher
	Recorder  Recorder // optional
	Stats     *logging.WorkerStats
}

// Service is the entry point for submitting, querying and cancelling tasks.
type Service struct {
	cfg          ServiceConfig
	registry     *registry.Registry
	store        *TaskStore
	orchestrator *Orchestrator
	monitor      *monitor.Monitor

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// mu serialises admission with Shutdown
	mu      sync.Mutex
	closing sync.Once
	closed  chan struct{}
}

func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	if len(cfg.DefaultFormats) == 0 {
		cfg.DefaultFormats = []string{"glb", "usdz"}
	}
	if deps.Stats == nil {
		deps.Stats = logging.NewWorkerStats("local")
	}
	reg := registry.New()
	store := NewTaskStore()
	poller := NewPoller(deps.Client, cfg.Poller)
	base, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:          cfg,
		registry:     reg,
		store:        store,
		orchestrator: NewOrchestrator(reg, poller, deps.Publisher, store, deps.Stats, deps.Recorder, cfg.OutputDir),
		monitor:      monitor.New(reg, cfg.DisconnectInterval),
		base:         base,
		stop:         stop,
		closed:       make(chan struct{}),
	}
}

// SubmitTask stores the inputs and starts the task in the background.
func (s *Service) SubmitTask(ctx context.Context, inputs []Input, formats []string) (string, error) {
	task, h, err := s.prepare(ctx, inputs, formats)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.wg.Done()
		s.orchestrator.Run(task, h)
	}()
	return task.ID, nil
}

// Generate runs a task on the caller's goroutine while watching connected.
// A client that goes away cancels the task.
func (s *Service) Generate(ctx context.Context, inputs []Input, formats []string, connected func() bool) (model.TaskResult, error) {
	task, h, err := s.prepare(ctx, inputs, formats)
	if err != nil {
		return model.TaskResult{}, err
	}
	defer s.wg.Done()

	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		s.monitor.Watch(task.ID, connected, done)
	}()

	result := s.orchestrator.Run(task, h)
	close(done)
	<-watched
	return result, nil
}

// prepare persists the inputs and admits the task. On success the caller owns
// one wg slot and must release it when the orchestrator returns.
func (s *Service) prepare(ctx context.Context, inputs []Input, formats []string) (*model.Task, *registry.Handle, error) {
	if s.isClosed() {
		return nil, nil, ErrShuttingDown
	}
	if len(inputs) == 0 {
		return nil, nil, ErrNoImages
	}
	formats = normalizeFormats(formats, s.cfg.DefaultFormats)

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.UploadDir, id)
	paths, err := saveInputs(dir, inputs)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("save inputs: %w", err)
	}

	task := &model.Task{
		ID:      id,
		Inputs:  paths,
		Formats: formats,
		State:   model.TaskPending,
		Created: time.Now(),
	}
	h := registry.NewHandle(s.base, id)
	if err := s.admit(task, h); err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, err
	}
	logging.LogAttrs(ctx, slog.LevelInfo, "Task accepted",
		slog.String("task_id", id),
		slog.Int("images", len(paths)),
		slog.String("formats", strings.Join(formats, ",")))
	return task, h, nil
}

func (s *Service) admit(task *model.Task, h *registry.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return ErrShuttingDown
	}
	if err := s.registry.Register(task.ID, h); err != nil {
		return err
	}
	s.store.Add(task)
	s.wg.Add(1)
	return nil
}

func (s *Service) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Service) GetTaskState(id string) (RequestState, *model.TaskResult) {
	task, ok := s.store.Get(id)
	if !ok {
		return StateNotFound, nil
	}
	if !task.State.Terminal() {
		return StateProcessing, nil
	}
	if task.State == model.TaskSucceeded {
		return StateCompleted, task.Result
	}
	return StateFailed, task.Result
}

// CancelTask is idempotent: only the first call for a running task cancels it.
func (s *Service) CancelTask(id string) CancelOutcome {
	if s.registry.Cancel(id) {
		logging.Log(fmt.Sprintf("Cancellation requested for task %s", id), slog.LevelInfo)
		return CancelAccepted
	}
	if _, ok := s.store.Get(id); ok {
		return CancelAlreadyTerminal
	}
	return CancelNotFound
}

func (s *Service) Tasks() []*model.Task { return s.store.List() }

func (s *Service) ActiveTasks() int { return s.registry.Len() }

// Shutdown cancels every in-flight task and waits for their orchestrators to
// finish cleanup, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Do(func() { close(s.closed) })
	n := s.registry.CancelAll()
	s.mu.Unlock()
	if n > 0 {
		logging.Log(fmt.Sprintf("Cancelled %d in-flight task(s) for shutdown", n), slog.LevelInfo)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	defer s.stop()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeFormats(formats, fallback []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}

// saveInputs writes each upload under dir using only its base name.
func saveInputs(dir string, inputs []Input) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(inputs))
	for i, in := range inputs {
		name := filepath.Base(in.Name)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = fmt.Sprintf("image_%d", i)
		}
		// keep duplicate names from overwriting each other
		name = fmt.Sprintf("%02d_%s", i, name)
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(f, in.Body); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
