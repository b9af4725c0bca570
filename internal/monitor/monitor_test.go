package monitor

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
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

func TestAttachDetectsCompletion(t *testing.T) {
	cmd := exec.Command("/bin/sleep", "0.2")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}

	m := New(testLogger(t))
	metrics := m.Attach(cmd.Process.Pid, "", "")

	events := make(chan Event, 4)
	m.Subscribe(cmd.Process.Pid, func(pid int, event Event, data string) {
		events <- event
	})

	cmd.Wait()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-events:
			if e == EventCompleted {
				if metrics.State != v1.ProcessStateCompleted {
					t.Errorf("expected state completed, got %s", metrics.State)
				}
				if metrics.EndTime == nil {
					t.Error("expected end time to be set on completion")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
}

func TestTailDeliversNewOutput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.log")
	if err := os.WriteFile(outPath, []byte("line one\n"), 0o644); err != nil {
		t.Fatalf("writing initial log: %v", err)
	}

	cmd := exec.Command("/bin/sleep", "2")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	defer cmd.Process.Kill()

	m := New(testLogger(t))
	m.Attach(cmd.Process.Pid, outPath, "")

	chunks := make(chan string, 4)
	m.Subscribe(cmd.Process.Pid, func(pid int, event Event, data string) {
		if event == EventOutput {
			chunks <- data
		}
	})

	time.Sleep(1200 * time.Millisecond)
	if err := os.WriteFile(outPath, []byte("line one\nline two\n"), 0o644); err != nil {
		t.Fatalf("appending to log: %v", err)
	}

	select {
	case chunk := <-chunks:
		if chunk == "" {
			t.Error("expected a non-empty tailed chunk")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tailed output")
	}

	m.Detach(cmd.Process.Pid)
}

func TestSignalTimeoutIsTerminalAndIdempotent(t *testing.T) {
	m := New(testLogger(t))
	metrics := m.Attach(999999, "", "")

	m.SignalTimeout(999999)
	if metrics.State != v1.ProcessStateTimedOut {
		t.Fatalf("expected timed_out state, got %s", metrics.State)
	}

	m.SignalKill(999999)
	if metrics.State != v1.ProcessStateTimedOut {
		t.Errorf("expected terminal state to remain timed_out, got %s", metrics.State)
	}
}
