// Package session implements the process session manager (C5): it launches
// the external tool for a task — as a visible terminal window, in an
// alternate terminal emulator, headless, or inside a container — captures
// its stdout/stderr to files, and exposes liveness and exit code.
package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	"github.com/zephyrfeng/kandev-executor/internal/session/dockeradapter"
)

// Session is a single launched execution of the external tool.
type Session struct {
	ID            string
	TaskID        string
	WorkspacePath string
	OutputLogPath string
	ErrorLogPath  string
	ExitCodePath  string
	StartTime     time.Time
	PID           int

	cmd         *exec.Cmd // set only in headless mode
	containerID string    // set only in container mode
	noPID       bool      // windowed launch whose PID could not be discovered
}

// Manager launches and supervises sessions per the configured window mode.
type Manager struct {
	cfg          config.ProcessConfig
	containerImg string
	docker       *dockeradapter.Client
	logger       *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a Manager. docker and containerImage may be zero-valued
// unless window_mode=container.
func NewManager(cfg config.ProcessConfig, containerImage string, docker *dockeradapter.Client, log *logger.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		containerImg: containerImage,
		docker:       docker,
		logger:       log.WithComponent("session"),
		sessions:     make(map[string]*Session),
	}
}

// Spawn launches the external tool for a task and returns its Session.
func (m *Manager) Spawn(ctx context.Context, taskID, workspacePath, prompt string, timeout time.Duration) (*Session, error) {
	sess := &Session{
		ID:            fmt.Sprintf("session-%s-%s", taskID, uuid.NewString()[:8]),
		TaskID:        taskID,
		WorkspacePath: workspacePath,
		OutputLogPath: filepath.Join(workspacePath, "logs", taskID+"_output.log"),
		ErrorLogPath:  filepath.Join(workspacePath, "logs", taskID+"_error.log"),
		ExitCodePath:  filepath.Join(workspacePath, "logs", taskID+".exitcode"),
		StartTime:     time.Now(),
	}

	mode := m.cfg.WindowMode
	if (mode == config.WindowModeNative || mode == config.WindowModeAlt) && runtime.GOOS != "darwin" {
		m.logger.Warn("windowed launch is macOS-only, falling back to headless", zap.String("window_mode", string(mode)))
		mode = config.WindowModeHeadless
	}

	var err error
	switch mode {
	case config.WindowModeNative:
		err = m.spawnWindowed(ctx, sess, prompt, "Terminal")
	case config.WindowModeAlt:
		err = m.spawnWindowed(ctx, sess, prompt, "iTerm")
	case config.WindowModeContainer:
		err = m.spawnContainer(ctx, sess, prompt, timeout)
	default:
		err = m.spawnHeadless(ctx, sess, prompt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to spawn session for task %s: %w", taskID, err)
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("spawned session", zap.String("session_id", sess.ID), zap.String("task_id", taskID), zap.Int("pid", sess.PID))
	return sess, nil
}

func (m *Manager) spawnHeadless(ctx context.Context, sess *Session, prompt string) error {
	outFile, err := os.Create(sess.OutputLogPath)
	if err != nil {
		return fmt.Errorf("failed to create output log: %w", err)
	}
	errFile, err := os.Create(sess.ErrorLogPath)
	if err != nil {
		outFile.Close()
		return fmt.Errorf("failed to create error log: %w", err)
	}

	cmd := exec.CommandContext(ctx, m.cfg.ExternalToolPath, prompt)
	cmd.Dir = sess.WorkspacePath
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		outFile.Close()
		errFile.Close()
		return fmt.Errorf("failed to start external tool: %w", err)
	}

	sess.cmd = cmd
	sess.PID = cmd.Process.Pid

	go func() {
		waitErr := cmd.Wait()
		outFile.Close()
		errFile.Close()
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		_ = os.WriteFile(sess.ExitCodePath, []byte(strconv.Itoa(code)), 0o644)
	}()

	return nil
}

// spawnWindowed synthesises a shell script and asks the named host terminal
// application to run it in a visible window.
func (m *Manager) spawnWindowed(ctx context.Context, sess *Session, prompt string, terminalApp string) error {
	scriptPath := filepath.Join(sess.WorkspacePath, sess.TaskID+"_run.sh")
	escapedPrompt := strings.ReplaceAll(prompt, "'", `'"'"'`)

	script := fmt.Sprintf(`#!/bin/bash
cd "%s"

echo "=== Kandev Executor Task ==="
echo "Task ID: %s"
echo "Started: $(date)"
echo "============================"
echo ""

%s '%s' 2>&1 | tee "%s"

exit_code=${PIPESTATUS[0]}
echo "$exit_code" > "%s"

echo ""
echo "============================"
echo "Finished: $(date)"
echo "Exit code: $exit_code"
echo "============================"

exit $exit_code
`, sess.WorkspacePath, sess.TaskID, m.cfg.ExternalToolPath, escapedPrompt, sess.OutputLogPath, sess.ExitCodePath)

	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("failed to write launch script: %w", err)
	}

	applescript := terminalAppleScript(terminalApp, scriptPath, sess.TaskID)
	osa := exec.CommandContext(ctx, "osascript", "-e", applescript)
	if out, err := osa.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to open %s window: %w (%s)", terminalApp, err, string(out))
	}

	time.Sleep(1 * time.Second)
	pid, err := findProcessByScript(ctx, scriptPath)
	if err != nil || pid == 0 {
		m.logger.Warn("could not discover PID of windowed session", zap.String("script", scriptPath))
		sess.noPID = true
		return nil
	}
	sess.PID = pid
	return nil
}

func terminalAppleScript(terminalApp, scriptPath, taskID string) string {
	if terminalApp == "iTerm" {
		return fmt.Sprintf(`tell application "iTerm"
	create window with default profile
	tell current session of current window
		write text "%s"
		set name to "Kandev Task: %s"
	end tell
end tell`, scriptPath, taskID)
	}
	return fmt.Sprintf(`tell application "Terminal"
	activate
	set newTab to do script "%s"
	set custom title of newTab to "Kandev Task: %s"
end tell`, scriptPath, taskID)
}

func findProcessByScript(ctx context.Context, scriptPath string) (int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", scriptPath).Output()
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, nil
	}
	return strconv.Atoi(fields[0])
}

func (m *Manager) spawnContainer(ctx context.Context, sess *Session, prompt string, timeout time.Duration) error {
	if m.docker == nil {
		return fmt.Errorf("container window_mode requires a docker client")
	}

	if err := os.MkdirAll(filepath.Dir(sess.OutputLogPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	containerID, err := m.docker.CreateContainer(ctx, dockeradapter.ContainerConfig{
		Name:  "kandev-" + sess.ID,
		Image: m.containerImg,
		Cmd:   []string{m.cfg.ExternalToolPath, prompt},
		Mounts: []dockeradapter.MountConfig{
			{Source: sess.WorkspacePath, Target: "/workspace", ReadOnly: false},
		},
		WorkingDir: "/workspace",
		AutoRemove: false,
	})
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	if err := m.docker.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}

	sess.containerID = containerID

	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)
		defer cancel()
		code, waitErr := m.docker.WaitContainer(waitCtx, containerID)
		if waitErr != nil {
			code = -1
		}
		_ = os.WriteFile(sess.ExitCodePath, []byte(strconv.FormatInt(code, 10)), 0o644)

		if reader, err := m.docker.GetContainerLogs(context.Background(), containerID, false, "all"); err == nil {
			defer reader.Close()
			if out, err := os.Create(sess.OutputLogPath); err == nil {
				defer out.Close()
				scanner := bufio.NewScanner(reader)
				for scanner.Scan() {
					fmt.Fprintln(out, scanner.Text())
				}
			}
		}
	}()

	return nil
}

// IsRunning reports whether the session's process is still alive.
func (m *Manager) IsRunning(sess *Session) bool {
	if sess.noPID && sess.containerID == "" {
		return false
	}
	if sess.cmd != nil {
		// The waiter goroutine records the exit code only after the process
		// has exited and its log files are closed.
		_, recorded := m.ExitCode(sess)
		return !recorded
	}
	if sess.containerID != "" {
		info, err := m.docker.GetContainerInfo(context.Background(), sess.containerID)
		if err != nil {
			return false
		}
		return info.State == "running"
	}
	if sess.PID != 0 {
		return syscall.Kill(sess.PID, 0) == nil
	}
	return false
}

// Output returns the current contents of the session's stdout log.
func (m *Manager) Output(sess *Session) string {
	return readFileBestEffort(sess.OutputLogPath)
}

// Error returns the current contents of the session's stderr log.
func (m *Manager) Error(sess *Session) string {
	return readFileBestEffort(sess.ErrorLogPath)
}

func readFileBestEffort(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// ExitCode reads the recorded exit code. The second return is false if no
// exit code has been recorded yet.
func (m *Manager) ExitCode(sess *Session) (int, bool) {
	data, err := os.ReadFile(sess.ExitCodePath)
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

// Terminate requests shutdown of the session's process: graceful (SIGTERM,
// waiting up to 5s) unless force is set (SIGKILL immediately). Idempotent.
func (m *Manager) Terminate(sess *Session, force bool) error {
	if !m.IsRunning(sess) {
		return nil
	}

	if sess.containerID != "" {
		if force {
			return m.docker.KillContainer(context.Background(), sess.containerID)
		}
		return m.docker.StopContainer(context.Background(), sess.containerID, 5*time.Second)
	}

	if sess.cmd != nil && sess.cmd.Process != nil {
		if force {
			return sess.cmd.Process.Kill()
		}
		if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return err
		}
		if m.Wait(sess, 5*time.Second) {
			return nil
		}
		return sess.cmd.Process.Kill()
	}

	if sess.PID != 0 {
		sig := syscall.SIGTERM
		if force {
			sig = syscall.SIGKILL
		}
		if err := syscall.Kill(sess.PID, sig); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", sess.PID, err)
		}
		if !force {
			m.Wait(sess, 5*time.Second)
		}
	}

	return nil
}

// Wait blocks until the session is no longer running or timeout elapses,
// returning true if it exited in time.
func (m *Manager) Wait(sess *Session, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !m.IsRunning(sess) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !m.IsRunning(sess)
}

// Close terminates the session if still running and removes it from the
// manager's table. Idempotent.
func (m *Manager) Close(sess *Session) error {
	if m.IsRunning(sess) {
		if err := m.Terminate(sess, false); err != nil {
			m.logger.Warn("failed to terminate session on close", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if sess.containerID != "" {
		_ = m.docker.RemoveContainer(context.Background(), sess.containerID, true)
	}
	return nil
}
