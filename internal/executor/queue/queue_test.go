package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

func createTestTask(id string) *v1.Task {
	return &v1.Task{
		ID:          id,
		Description: "Test Task " + id,
	}
}

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue(100)
	require.NotNil(t, q)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 100, q.maxSize)
}

func TestEnqueue(t *testing.T) {
	cases := []struct {
		name    string
		ids     []string
		maxSize int
		wantErr error
	}{
		{name: "single task succeeds", ids: []string{"task-1"}, maxSize: 10, wantErr: nil},
		{name: "duplicate rejected", ids: []string{"task-1", "task-1"}, maxSize: 10, wantErr: ErrTaskExists},
		{name: "over capacity rejected", ids: []string{"task-1", "task-2", "task-3"}, maxSize: 2, wantErr: ErrQueueFull},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := NewTaskQueue(tc.maxSize)
			var lastErr error
			for _, id := range tc.ids {
				lastErr = q.Enqueue(createTestTask(id))
			}
			assert.ErrorIs(t, lastErr, tc.wantErr)
		})
	}
}

func TestDequeue(t *testing.T) {
	q := NewTaskQueue(10)
	task := createTestTask("task-1")

	require.NoError(t, q.Enqueue(task))
	dequeued := q.Dequeue()

	require.NotNil(t, dequeued)
	assert.Equal(t, task.ID, dequeued.TaskID)
	assert.Equal(t, 0, q.Len())
}

func TestDequeueEmptyQueue(t *testing.T) {
	q := NewTaskQueue(10)
	assert.Nil(t, q.Dequeue())
}

func TestFIFOOrdering(t *testing.T) {
	q := NewTaskQueue(10)

	require.NoError(t, q.Enqueue(createTestTask("first")))
	require.NoError(t, q.Enqueue(createTestTask("second")))
	require.NoError(t, q.Enqueue(createTestTask("third")))

	want := []string{"first", "second", "third"}
	for _, id := range want {
		got := q.Dequeue()
		require.NotNil(t, got)
		assert.Equal(t, id, got.TaskID)
	}
}

func TestContains(t *testing.T) {
	q := NewTaskQueue(10)
	require.NoError(t, q.Enqueue(createTestTask("task-1")))

	assert.True(t, q.Contains("task-1"))
	assert.False(t, q.Contains("task-2"))

	q.Dequeue()
	assert.False(t, q.Contains("task-1"), "queue should not contain a dequeued task")
}

func TestIsFull(t *testing.T) {
	q := NewTaskQueue(2)
	assert.False(t, q.IsFull())

	require.NoError(t, q.Enqueue(createTestTask("task-1")))
	assert.False(t, q.IsFull())

	require.NoError(t, q.Enqueue(createTestTask("task-2")))
	assert.True(t, q.IsFull())
}

func TestUnlimitedQueue(t *testing.T) {
	// maxSize of 0 means unlimited
	q := NewTaskQueue(0)

	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue(createTestTask(string(rune('a'+i)))))
	}

	assert.False(t, q.IsFull())
}
