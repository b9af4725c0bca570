// Package workspace manages per-task working directories (C4): creation,
// population with task files and context, artifact collection, and
// reclamation.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const maxInlineBytes = 100_000

var inlineableSuffixes = map[string]bool{
	".txt": true,
	".json": true,
	".md": true,
	".log": true,
}

// settings is the back-end configuration dropped into a workspace's hidden
// .kandev directory.
type settings struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	AutoApprove bool    `json:"auto_approve"`
}

// Manager creates, populates, and reclaims task workspaces under a base
// directory.
type Manager struct {
	baseDir string
	logger  *logger.Logger
}

// New builds a Manager, creating the base directory if needed.
func New(baseDir string, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace base directory: %w", err)
	}
	return &Manager{baseDir: baseDir, logger: log.WithComponent("workspace")}, nil
}

// Create makes a fresh workspace directory for taskID and returns its path.
func (m *Manager) Create(taskID string) (string, error) {
	name := fmt.Sprintf("%s_%s", taskID, time.Now().Format("20060102_150405"))
	path := filepath.Join(m.baseDir, name)

	for _, sub := range []string{"", "input", "output", "logs", ".kandev"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return "", fmt.Errorf("failed to create workspace directory %q: %w", sub, err)
		}
	}

	s := settings{Model: "claude-sonnet-4-20250514", MaxTokens: 4096, Temperature: 0, AutoApprove: false}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal workspace settings: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, ".kandev", "settings.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write workspace settings: %w", err)
	}

	m.logger.Debug("created workspace", zap.String("path", path))
	return path, nil
}

// Populate writes task files under input/ and, if context is non-empty,
// serialises it to task_context.json at the workspace root.
func (m *Manager) Populate(path string, files map[string]string, context map[string]interface{}) error {
	inputDir := filepath.Join(path, "input")
	for name, content := range files {
		dest := filepath.Join(inputDir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory for %q: %w", name, err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write input file %q: %w", name, err)
		}
	}

	if len(context) > 0 {
		data, err := json.MarshalIndent(context, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal task context: %w", err)
		}
		if err := os.WriteFile(filepath.Join(path, "task_context.json"), data, 0o644); err != nil {
			return fmt.Errorf("failed to write task context: %w", err)
		}
	}

	return nil
}

// CollectArtifacts walks output/ and returns a record per regular file.
func (m *Manager) CollectArtifacts(path string) ([]v1.Artifact, error) {
	outputDir := filepath.Join(path, "output")
	if _, err := os.Stat(outputDir); os.IsNotExist(err) {
		return nil, nil
	}

	var artifacts []v1.Artifact
	err := filepath.Walk(outputDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(outputDir, p)
		if err != nil {
			return err
		}

		artifact := v1.Artifact{
			Name:         info.Name(),
			RelativePath: rel,
			SizeBytes:    info.Size(),
			TypeHint:     filepath.Ext(p),
		}

		if artifact.SizeBytes < maxInlineBytes && inlineableSuffixes[artifact.TypeHint] {
			if content, err := os.ReadFile(p); err == nil && utf8.Valid(content) {
				artifact.InlineContent = string(content)
			}
		}

		artifacts = append(artifacts, artifact)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect artifacts: %w", err)
	}

	m.logger.Debug("collected artifacts", zap.String("path", path), zap.Int("count", len(artifacts)))
	return artifacts, nil
}

// Destroy removes the entire workspace tree. Failures are logged, not
// propagated.
func (m *Manager) Destroy(path string) error {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("failed to destroy workspace", zap.String("path", path), zap.Error(err))
	}
	return nil
}

// ReapOlderThan removes workspaces whose directory modification time is more
// than hours in the past.
func (m *Manager) ReapOlderThan(hours int) error {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return fmt.Errorf("failed to list workspace base directory: %w", err)
	}

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			full := filepath.Join(m.baseDir, entry.Name())
			if err := os.RemoveAll(full); err != nil {
				m.logger.Warn("failed to reap old workspace", zap.String("path", full), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("reaped old workspaces", zap.Int("count", removed))
	}
	return nil
}
