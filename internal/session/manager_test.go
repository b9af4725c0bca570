package session

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return l
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"input", "output", "logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}
	return dir
}

func TestHeadlessSpawnCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	cfg := config.ProcessConfig{ExternalToolPath: "/bin/echo", WindowMode: config.WindowModeHeadless}
	m := NewManager(cfg, "", nil, testLogger(t))

	ws := setupWorkspace(t)
	sess, err := m.Spawn(context.Background(), "task-1", ws, "hello world", 5*time.Second)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if !m.Wait(sess, 2*time.Second) {
		t.Fatal("expected headless process to exit quickly")
	}

	code, ok := m.ExitCode(sess)
	if !ok {
		t.Fatal("expected an exit code to be recorded")
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}

	output := m.Output(sess)
	if output == "" {
		t.Error("expected non-empty output from echo")
	}
}

func TestTerminateIsIdempotentOnFinishedSession(t *testing.T) {
	cfg := config.ProcessConfig{ExternalToolPath: "/bin/echo", WindowMode: config.WindowModeHeadless}
	m := NewManager(cfg, "", nil, testLogger(t))
	ws := setupWorkspace(t)

	sess, err := m.Spawn(context.Background(), "task-1", ws, "hi", 5*time.Second)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	m.Wait(sess, 2*time.Second)

	if err := m.Terminate(sess, false); err != nil {
		t.Errorf("expected Terminate on a finished session to be a no-op, got: %v", err)
	}
	if err := m.Close(sess); err != nil {
		t.Errorf("expected Close to succeed: %v", err)
	}
}
