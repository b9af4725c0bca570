// Package model implements the Model API back-end (C3): a single
// request/response round-trip to the Anthropic Messages API per task.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const preamble = "You are the Kandev Executor, an AI assistant that completes coding and development tasks."

// messagesClient is the subset of the Anthropic SDK used here, narrowed so
// tests can supply a fake.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client is the Model API back-end.
type Client struct {
	msg       messagesClient
	model     string
	maxTokens int
	logger    *logger.Logger
}

// New builds a Client from configuration.
func New(cfg config.ModelAPIConfig, log *logger.Logger) *Client {
	sdkClient := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		msg:       &sdkClient.Messages,
		model:     cfg.ModelName,
		maxTokens: cfg.MaxTokens,
		logger:    log.WithComponent("model-backend"),
	}
}

// Mode identifies this back-end.
func (c *Client) Mode() v1.ExecutionMode {
	return v1.ExecutionModeAPI
}

// TestConnection issues a minimal request to confirm the API key and model
// are usable, for the executor core's startup probe.
func (c *Client) TestConnection(ctx context.Context) bool {
	_, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 10,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("Hello"))},
	})
	if err != nil {
		c.logger.Warn("model API connection test failed", zap.Error(err))
		return false
	}
	return true
}

// Execute runs one task through the model API.
func (c *Client) Execute(ctx context.Context, task *v1.Task) (*v1.ExecutionResult, error) {
	start := time.Now()
	prompt := buildPrompt(task.Description, task.Context)

	c.logger.Info("sending task to model API", zap.String("task_id", task.ID), zap.String("model", c.model))

	msg, err := c.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.logger.Error("model API error", zap.String("task_id", task.ID), zap.Error(err))
		return &v1.ExecutionResult{
			Success:              false,
			Response:             "",
			Error:                err.Error(),
			ExecutionTimeSeconds: elapsed,
			ExecutionMode:        v1.ExecutionModeAPI,
		}, nil
	}

	var response strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}

	usage := &v1.TaskUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	c.logger.Info("task executed", zap.String("task_id", task.ID), zap.Int("total_tokens", usage.TotalTokens))

	return &v1.ExecutionResult{
		Success:              true,
		Response:             response.String(),
		Usage:                usage,
		ExecutionTimeSeconds: elapsed,
		Model:                c.model,
		ExecutionMode:        v1.ExecutionModeAPI,
	}, nil
}

// buildPrompt assembles the single user message sent to the model.
func buildPrompt(description string, ctxMap map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nTASK:\n")
	b.WriteString(description)

	if len(ctxMap) > 0 {
		b.WriteString("\n\nCONTEXT:\n")
		keys := make([]string, 0, len(ctxMap))
		for k := range ctxMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, ctxMap[k])
		}
	}

	b.WriteString("\nPlease complete this task and provide detailed output including:\n")
	b.WriteString("1. Your approach and reasoning\n")
	b.WriteString("2. Any code or artifacts generated\n")
	b.WriteString("3. Next steps or recommendations\n")

	return b.String()
}
