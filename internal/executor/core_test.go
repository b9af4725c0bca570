package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/zephyrfeng/kandev-executor/internal/auth"
	"github.com/zephyrfeng/kandev-executor/internal/backend"
	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	"github.com/zephyrfeng/kandev-executor/internal/orchestrator"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return l
}

// fakeBackend executes every task successfully without doing any real work.
type fakeBackend struct {
	mode v1.ExecutionMode

	mu      sync.Mutex
	executed []string
}

func (f *fakeBackend) Execute(ctx context.Context, task *v1.Task) (*v1.ExecutionResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, task.ID)
	f.mu.Unlock()
	return &v1.ExecutionResult{Success: true, Response: "done", ExecutionMode: f.mode}, nil
}

func (f *fakeBackend) Mode() v1.ExecutionMode { return f.mode }

// fakeOrchestratorServer serves the minimal surface the executor core needs,
// handing out a fixed set of tasks exactly once.
func fakeOrchestratorServer(t *testing.T, tasks []*v1.Task) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	served := false
	accepted := make(map[string]bool)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/tasks/pending":
			mu.Lock()
			defer mu.Unlock()
			if served {
				json.NewEncoder(w).Encode([]*v1.Task{})
				return
			}
			served = true
			json.NewEncoder(w).Encode(tasks)
		case len(r.URL.Path) > len("/accept") && r.URL.Path[len(r.URL.Path)-len("/accept"):] == "/accept":
			mu.Lock()
			taskID := r.URL.Path[len("/tasks/") : len(r.URL.Path)-len("/accept")-1]
			accepted[taskID] = true
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
}

func newTestCore(t *testing.T, srv *httptest.Server, back backend.Backend, cfg config.Config) *Core {
	t.Helper()
	log := testLogger(t)
	authStore := auth.NewStore("", "", t.TempDir(), log)
	orchClient := orchestrator.NewClient(srv.URL, authStore, log)
	backends := map[v1.ExecutionMode]backend.Backend{back.Mode(): back}
	return New(cfg, orchClient, backends, log)
}

func TestStartDispatchesPendingTaskToBackend(t *testing.T) {
	tasks := []*v1.Task{{ID: "task-1", Description: "do something"}}
	srv := fakeOrchestratorServer(t, tasks)
	defer srv.Close()

	fb := &fakeBackend{mode: v1.ExecutionModeProcess}
	cfg := config.Config{
		AgentName:           "test-agent",
		MaxConcurrentTasks:  1,
		PollIntervalSeconds: 5,
		ExecutionMode:       config.ExecutionModeProcess,
	}
	core := newTestCore(t, srv, fb, cfg)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer core.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		fb.mu.Lock()
		n := len(fb.executed)
		fb.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.executed) != 1 || fb.executed[0] != "task-1" {
		t.Fatalf("expected task-1 to be executed exactly once, got %v", fb.executed)
	}

	status := core.Status()
	if status.Stats.Completed != 1 {
		t.Errorf("expected 1 completed task in stats, got %d", status.Stats.Completed)
	}
}

// fakeRecorder captures every terminal result handed to it.
type fakeRecorder struct {
	mu      sync.Mutex
	records []*v1.ExecutionResult
}

func (r *fakeRecorder) Record(ctx context.Context, agentName string, task *v1.Task, result *v1.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, result)
	return nil
}

func TestRecorderReceivesTerminalResult(t *testing.T) {
	tasks := []*v1.Task{{ID: "task-1", Description: "do something"}}
	srv := fakeOrchestratorServer(t, tasks)
	defer srv.Close()

	fb := &fakeBackend{mode: v1.ExecutionModeProcess}
	cfg := config.Config{
		AgentName:           "test-agent",
		MaxConcurrentTasks:  1,
		PollIntervalSeconds: 5,
		ExecutionMode:       config.ExecutionModeProcess,
	}
	core := newTestCore(t, srv, fb, cfg)
	rec := &fakeRecorder{}
	core.SetRecorder(rec)

	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer core.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		n := len(rec.records)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.records) != 1 || !rec.records[0].Success {
		t.Fatalf("expected recorder to receive exactly one successful result, got %+v", rec.records)
	}
}

func TestStopSurrendersQueuedTasks(t *testing.T) {
	srv := fakeOrchestratorServer(t, nil)
	defer srv.Close()

	fb := &fakeBackend{mode: v1.ExecutionModeProcess}
	cfg := config.Config{
		AgentName:           "test-agent",
		MaxConcurrentTasks:  1,
		PollIntervalSeconds: 30,
		ExecutionMode:       config.ExecutionModeProcess,
	}
	core := newTestCore(t, srv, fb, cfg)
	core.running = true

	if err := core.queue.Enqueue(&v1.Task{ID: "queued-1", Description: "never runs"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := core.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if core.queue.Len() != 0 {
		t.Errorf("expected queue to be drained by Stop, got %d remaining", core.queue.Len())
	}
	status := core.Status()
	if status.Stats.Failed != 1 {
		t.Errorf("expected surrendered task to count as failed, got %d", status.Stats.Failed)
	}
	if status.Stats.Total != 1 {
		t.Errorf("expected surrendered task to count toward total, got %d", status.Stats.Total)
	}
	if status.Stats.Completed+status.Stats.Failed > status.Stats.Total {
		t.Errorf("completed+failed must not exceed total: completed=%d failed=%d total=%d", status.Stats.Completed, status.Stats.Failed, status.Stats.Total)
	}
}
