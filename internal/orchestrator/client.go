// Package orchestrator is a typed HTTP client for the orchestrator service
// that leases tasks to this agent and receives their results.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/auth"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const defaultTimeout = 30 * time.Second

// Client wraps the orchestrator's task HTTP surface, injecting the
// authentication header (via auth.Store) on every call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *auth.Store
	logger     *logger.Logger
}

// NewClient builds a Client.
func NewClient(baseURL string, authStore *auth.Store, log *logger.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		auth:       authStore,
		logger:     log.WithComponent("orchestrator-client"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := c.auth.AuthHeaders(ctx); ok {
		req.Header.Set("Authorization", headers.Get("Authorization"))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	if out != nil && resp.StatusCode < 300 {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	} else {
		resp.Body.Close()
	}

	return resp, nil
}

// Health checks orchestrator connectivity.
func (c *Client) Health(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		c.logger.Warn("health check failed", zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// PendingTasks returns tasks available to lease for the given agent name.
func (c *Client) PendingTasks(ctx context.Context, agentName string) ([]*v1.Task, error) {
	var tasks []*v1.Task
	resp, err := c.do(ctx, http.MethodGet, "/tasks/pending?agent="+agentName, nil, &tasks)
	if err != nil {
		c.logger.Warn("pending tasks request failed", zap.Error(err))
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("pending tasks request returned non-200", zap.Int("status", resp.StatusCode))
		return nil, nil
	}
	return tasks, nil
}

// AcceptTask attempts to lease a task for this agent. False means another
// agent won the lease or the request failed.
func (c *Client) AcceptTask(ctx context.Context, taskID, agentName string) bool {
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/accept",
		map[string]string{"agent": agentName}, nil)
	if err != nil {
		c.logger.Warn("accept task request failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// UpdateTaskStatus reports an in-progress status with an optional progress
// percentage.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string, progress int) bool {
	resp, err := c.do(ctx, http.MethodPatch, "/tasks/"+taskID+"/status",
		map[string]interface{}{"status": status, "progress": progress}, nil)
	if err != nil {
		c.logger.Warn("update status request failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// CompleteTask reports a successful terminal result for a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result *v1.ExecutionResult) bool {
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/complete",
		map[string]interface{}{"result": result, "completed_at": time.Now().UTC()}, nil)
	if err != nil {
		c.logger.Warn("complete task request failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// FailTask reports a terminal failure for a task.
func (c *Client) FailTask(ctx context.Context, taskID, errMsg string) bool {
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/fail",
		map[string]interface{}{"error": errMsg, "failed_at": time.Now().UTC()}, nil)
	if err != nil {
		c.logger.Warn("fail task request failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// UploadArtifact sends a single artifact's content to the orchestrator.
func (c *Client) UploadArtifact(ctx context.Context, taskID, name, content string) bool {
	resp, err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/artifacts",
		map[string]string{"name": name, "content": content}, nil)
	if err != nil {
		c.logger.Warn("upload artifact request failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return resp.StatusCode == http.StatusOK
}
