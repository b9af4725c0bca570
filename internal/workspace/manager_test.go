package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestCreateLaysOutSubdirectories(t *testing.T) {
	m, err := New(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, sub := range []string{"input", "output", "logs"} {
		if info, err := os.Stat(filepath.Join(path, sub)); err != nil || !info.IsDir() {
			t.Errorf("expected %s subdirectory to exist", sub)
		}
	}
	if _, err := os.Stat(filepath.Join(path, ".kandev", "settings.json")); err != nil {
		t.Error("expected .kandev/settings.json to exist")
	}
}

func TestPopulateRoundTripsFiles(t *testing.T) {
	m, err := New(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, _ := m.Create("task-1")

	files := map[string]string{"a.txt": "hello", "nested/b.txt": "world"}
	if err := m.Populate(path, files, map[string]interface{}{"key": "value"}); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(path, "input", name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if string(got) != want {
			t.Errorf("file %s: got %q want %q", name, got, want)
		}
	}

	ctxData, err := os.ReadFile(filepath.Join(path, "task_context.json"))
	if err != nil {
		t.Fatalf("reading task_context.json: %v", err)
	}
	if !strings.Contains(string(ctxData), "value") {
		t.Errorf("expected context file to contain value, got: %s", ctxData)
	}
}

func TestCollectArtifactsInlining(t *testing.T) {
	cases := []struct {
		name         string
		fileName     string
		content      []byte
		wantInlined  bool
	}{
		{name: "small text file is inlined", fileName: "result.md", content: []byte("done"), wantInlined: true},
		{name: "file over size threshold is not inlined", fileName: "big.txt", content: []byte(strings.Repeat("x", 100_001)), wantInlined: false},
		{name: "invalid UTF-8 is not inlined", fileName: "binary.log", content: []byte{0x68, 0x69, 0xff, 0xfe, 0x00}, wantInlined: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := New(t.TempDir(), testLogger(t))
			require.NoError(t, err)
			path, _ := m.Create("task-1")

			outputDir := filepath.Join(path, "output")
			require.NoError(t, os.WriteFile(filepath.Join(outputDir, tc.fileName), tc.content, 0o644))

			artifacts, err := m.CollectArtifacts(path)
			require.NoError(t, err)
			require.Len(t, artifacts, 1)

			if tc.wantInlined {
				assert.Equal(t, string(tc.content), artifacts[0].InlineContent)
			} else {
				assert.Empty(t, artifacts[0].InlineContent)
			}
		})
	}
}

func TestDestroyRemovesWorkspace(t *testing.T) {
	m, err := New(t.TempDir(), testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, _ := m.Create("task-1")

	if err := m.Destroy(path); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected workspace directory to be removed")
	}
}

func TestReapOlderThanRemovesStaleWorkspaces(t *testing.T) {
	base := t.TempDir()
	m, err := New(base, testLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path, _ := m.Create("old-task")

	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := m.ReapOlderThan(24); err != nil {
		t.Fatalf("ReapOlderThan: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected stale workspace to be reaped")
	}
}
