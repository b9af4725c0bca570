package history

import (
	"context"
	"path/filepath"
	"testing"

	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := &v1.Task{ID: "task-1"}
	result := &v1.ExecutionResult{Success: true, ExecutionMode: v1.ExecutionModeAPI, ExecutionTimeSeconds: 1.5, Usage: &v1.TaskUsage{TotalTokens: 42}}

	if err := s.Record(ctx, "agent-1", task, result); err != nil {
		t.Fatalf("Record: %v", err)
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].TaskID != "task-1" || !records[0].Success || records[0].TotalTokens != 42 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestSummarizeAggregatesCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Record(ctx, "agent-1", &v1.Task{ID: "t1"}, &v1.ExecutionResult{Success: true})
	s.Record(ctx, "agent-1", &v1.Task{ID: "t2"}, &v1.ExecutionResult{Success: false, Error: "boom"})
	s.Record(ctx, "agent-1", &v1.Task{ID: "t3"}, &v1.ExecutionResult{Success: true})

	summary, err := s.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Total != 3 || summary.Completed != 2 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.Record(ctx, "agent-1", &v1.Task{ID: "t"}, &v1.ExecutionResult{Success: true})
	}

	records, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
}
