// Package backend declares the contract that both execution back-ends (the
// model API back-end and the external process back-end) satisfy, so the
// executor core can dispatch a task without knowing which one handles it.
package backend

import (
	"context"

	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

// Backend executes a single task to completion and returns its result.
// Implementations must honor ctx cancellation: a canceled context aborts the
// in-flight execution as soon as it is safe to do so.
type Backend interface {
	// Execute runs task and returns its outcome. A non-nil error indicates an
	// infrastructure failure (the back-end itself could not run); a task that
	// ran but produced a failing outcome is reported via
	// ExecutionResult.Success == false with no error.
	Execute(ctx context.Context, task *v1.Task) (*v1.ExecutionResult, error)

	// Mode identifies which v1.ExecutionMode this back-end implements.
	Mode() v1.ExecutionMode
}
