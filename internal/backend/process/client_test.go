package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	"github.com/zephyrfeng/kandev-executor/internal/monitor"
	"github.com/zephyrfeng/kandev-executor/internal/session"
	"github.com/zephyrfeng/kandev-executor/internal/workspace"
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

func TestExecuteHappyPath(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	log := testLogger(t)
	ws, err := workspace.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	sessions := session.NewManager(config.ProcessConfig{ExternalToolPath: "/bin/echo", WindowMode: config.WindowModeHeadless}, "", nil, log)
	mon := monitor.New(log)

	c := New(ws, sessions, mon, true, 5*time.Second, log)

	result, err := c.Execute(context.Background(), &v1.Task{ID: "t2", Description: "emit file"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error: %s", result.Error)
	}
	if result.ExitCode == nil || *result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %+v", result.ExitCode)
	}
}

func TestExecuteTimeout(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("requires a POSIX shell")
	}
	log := testLogger(t)
	ws, err := workspace.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	slowTool := filepath.Join(t.TempDir(), "slow-tool.sh")
	if err := os.WriteFile(slowTool, []byte("#!/bin/sh\nsleep 10\n"), 0o755); err != nil {
		t.Fatalf("writing slow tool script: %v", err)
	}
	sessions := session.NewManager(config.ProcessConfig{ExternalToolPath: slowTool, WindowMode: config.WindowModeHeadless}, "", nil, log)
	mon := monitor.New(log)

	c := New(ws, sessions, mon, true, 1*time.Second, log)

	result, err := c.Execute(context.Background(), &v1.Task{ID: "t3", Description: "sleep for a while"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout to produce a failed result")
	}
	if result.Error == "" {
		t.Fatal("expected a timeout error message")
	}
}
