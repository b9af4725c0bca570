package model

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

type fakeMessagesClient struct {
	resp *sdk.Message
	err  error
}

func (f *fakeMessagesClient) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return l
}

func TestExecuteSuccess(t *testing.T) {
	resp := &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hi"}},
		Usage:   sdk.Usage{InputTokens: 1, OutputTokens: 1},
	}
	c := &Client{msg: &fakeMessagesClient{resp: resp}, model: "claude-sonnet-4-20250514", maxTokens: 4096, logger: testLogger(t)}

	result, err := c.Execute(context.Background(), &v1.Task{ID: "t1", Description: "Say hi"})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Response)
	assert.Equal(t, 2, result.Usage.TotalTokens)
}

func TestExecuteVendorError(t *testing.T) {
	c := &Client{msg: &fakeMessagesClient{err: errors.New("rate limited")}, model: "claude-sonnet-4-20250514", maxTokens: 4096, logger: testLogger(t)}

	result, err := c.Execute(context.Background(), &v1.Task{ID: "t1", Description: "Say hi"})
	require.NoError(t, err, "Execute should not return a Go error for a vendor failure")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestBuildPromptIncludesContext(t *testing.T) {
	cases := []struct {
		name    string
		context map[string]interface{}
		want    []string
	}{
		{
			name:    "single key",
			context: map[string]interface{}{"priority": "high"},
			want:    []string{"CONTEXT:", "priority: high"},
		},
		{
			name:    "nil context omits the block",
			context: nil,
			want:    nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prompt := buildPrompt("do the thing", tc.context)
			for _, want := range tc.want {
				assert.Contains(t, prompt, want)
			}
			if tc.context == nil {
				assert.NotContains(t, prompt, "CONTEXT:")
			}
		})
	}
}
