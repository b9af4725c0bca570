// Package process implements the process-exec back-end (C7): it glues the
// workspace manager (C4), session manager (C5), and process monitor (C6)
// together behind the same contract as the model API back-end (C3).
package process

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	"github.com/zephyrfeng/kandev-executor/internal/monitor"
	"github.com/zephyrfeng/kandev-executor/internal/session"
	"github.com/zephyrfeng/kandev-executor/internal/workspace"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const preamble = "You are the Kandev Executor running an external tool."

// Client is the process-exec back-end.
type Client struct {
	workspaces  *workspace.Manager
	sessions    *session.Manager
	monitor     *monitor.Monitor
	autoCleanup bool
	timeout     time.Duration
	logger      *logger.Logger
}

// New builds a Client.
func New(workspaces *workspace.Manager, sessions *session.Manager, mon *monitor.Monitor, autoCleanup bool, timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		workspaces:  workspaces,
		sessions:    sessions,
		monitor:     mon,
		autoCleanup: autoCleanup,
		timeout:     timeout,
		logger:      log.WithComponent("process-backend"),
	}
}

// Mode identifies this back-end.
func (c *Client) Mode() v1.ExecutionMode {
	return v1.ExecutionModeProcess
}

// ProgressFunc receives progress percentage updates during execution.
type ProgressFunc func(percent int)

// Execute runs one task through the external tool without progress
// reporting.
func (c *Client) Execute(ctx context.Context, task *v1.Task) (*v1.ExecutionResult, error) {
	return c.ExecuteWithProgress(ctx, task, nil)
}

// ExecuteWithProgress is Execute with an optional progress callback, called
// with an estimated percentage on each 2s tick where the output log grew.
func (c *Client) ExecuteWithProgress(ctx context.Context, task *v1.Task, progressFn ProgressFunc) (*v1.ExecutionResult, error) {
	start := time.Now()

	wsPath, err := c.workspaces.Create(task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	var sess *session.Session
	cleanup := func() {
		if sess != nil {
			if cerr := c.sessions.Close(sess); cerr != nil {
				c.logger.Warn("failed to close session", zap.String("task_id", task.ID), zap.Error(cerr))
			}
			c.monitor.Detach(sess.PID)
		}
		if c.autoCleanup {
			c.workspaces.Destroy(wsPath)
		}
	}
	defer cleanup()

	if err := c.workspaces.Populate(wsPath, task.Files, task.Context); err != nil {
		return c.failResult(start, fmt.Sprintf("failed to populate workspace: %v", err)), nil
	}

	prompt := buildPrompt(task.Description, task.Context)

	sess, err = c.sessions.Spawn(ctx, task.ID, wsPath, prompt, c.timeout)
	if err != nil {
		return c.failResult(start, fmt.Sprintf("failed to spawn session: %v", err)), nil
	}

	if sess.PID != 0 {
		c.monitor.Attach(sess.PID, sess.OutputLogPath, sess.ErrorLogPath)
	}

	completed := c.waitForCompletion(ctx, sess, task.ID, progressFn)
	if !completed {
		if sess.PID != 0 {
			c.monitor.SignalTimeout(sess.PID)
		}
		c.sessions.Terminate(sess, true)
		result := c.failResult(start, fmt.Sprintf("task %s exceeded maximum execution time", task.ID))
		return result, nil
	}

	output := c.sessions.Output(sess)
	errOutput := c.sessions.Error(sess)
	artifacts, err := c.workspaces.CollectArtifacts(wsPath)
	if err != nil {
		c.logger.Warn("failed to collect artifacts", zap.String("task_id", task.ID), zap.Error(err))
	}

	exitCode, ok := c.sessions.ExitCode(sess)
	elapsed := time.Since(start).Seconds()

	if !ok {
		return &v1.ExecutionResult{
			Success:              false,
			Response:             output,
			Error:                "exit code could not be determined",
			Artifacts:            artifacts,
			ExecutionTimeSeconds: elapsed,
			ExecutionMode:        v1.ExecutionModeProcess,
		}, nil
	}

	result := &v1.ExecutionResult{
		Success:              exitCode == 0,
		Response:             output,
		Artifacts:            artifacts,
		ExecutionTimeSeconds: elapsed,
		ExitCode:             &exitCode,
		ExecutionMode:        v1.ExecutionModeProcess,
	}
	if exitCode != 0 {
		if errOutput != "" {
			result.Error = errOutput
		} else {
			result.Error = fmt.Sprintf("external tool exited with code %d", exitCode)
		}
	}

	c.logger.Info("task executed", zap.String("task_id", task.ID), zap.Bool("success", result.Success))
	return result, nil
}

func (c *Client) waitForCompletion(ctx context.Context, sess *session.Session, taskID string, progressFn ProgressFunc) bool {
	deadline := time.Now().Add(c.timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastOutputSize int64

	for {
		if !c.sessions.IsRunning(sess) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if progressFn == nil {
				continue
			}
			info, err := os.Stat(sess.OutputLogPath)
			if err != nil || info.Size() <= lastOutputSize {
				continue
			}
			lastOutputSize = info.Size()

			elapsed := time.Since(sess.StartTime).Seconds()
			pct := int((elapsed / c.timeout.Seconds()) * 100)
			if pct > 95 {
				pct = 95
			}
			progressFn(pct)
		}
	}
}

func (c *Client) failResult(start time.Time, errMsg string) *v1.ExecutionResult {
	return &v1.ExecutionResult{
		Success:              false,
		Response:             "",
		Error:                errMsg,
		ExecutionTimeSeconds: time.Since(start).Seconds(),
		ExecutionMode:        v1.ExecutionModeProcess,
	}
}

func buildPrompt(description string, context map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nTASK:\n")
	b.WriteString(description)
	b.WriteString("\n")

	if len(context) > 0 {
		b.WriteString("\nCONTEXT:\n")
		for k, v := range context {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}

	b.WriteString("\nWORKSPACE STRUCTURE:\n")
	b.WriteString("- ./input/       : Input files provided for this task\n")
	b.WriteString("- ./output/      : Place any generated files here\n")
	b.WriteString("- ./logs/        : Place any log files here\n")
	b.WriteString("\nINSTRUCTIONS:\n")
	b.WriteString("1. Review the task and any input files\n")
	b.WriteString("2. Complete the requested work\n")
	b.WriteString("3. Save results to ./output/ directory\n")
	b.WriteString("4. Provide a summary of what you accomplished\n")
	b.WriteString("\nPlease begin the task now.\n")

	return b.String()
}
