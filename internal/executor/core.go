// Package executor implements the executor core (C8): the scheduler that
// ties the orchestrator client, the task queue, and the execution back-ends
// together into a poll-lease-dispatch-report loop.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/backend"
	"github.com/zephyrfeng/kandev-executor/internal/common/config"
	"github.com/zephyrfeng/kandev-executor/internal/common/errors"
	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	"github.com/zephyrfeng/kandev-executor/internal/executor/queue"
	"github.com/zephyrfeng/kandev-executor/internal/orchestrator"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const pollRetryDelay = 5 * time.Second

// connectionProbe is satisfied by the model back-end's TestConnection. Kept
// narrow so the process back-end (which has no vendor connection to probe)
// can be wired in without it.
type connectionProbe interface {
	TestConnection(ctx context.Context) bool
}

// Recorder persists a terminal execution outcome to a local execution
// history. Satisfied by *history.Store; kept as
// an interface so this package doesn't depend on the storage backend.
type Recorder interface {
	Record(ctx context.Context, agentName string, task *v1.Task, result *v1.ExecutionResult) error
}

// StatusSnapshot is the point-in-time view returned by Status().
type StatusSnapshot struct {
	Running bool          `json:"running"`
	Stats   v1.AgentStats `json:"stats"`
	Config  StatusConfig  `json:"config"`
}

// StatusConfig is the subset of configuration surfaced in status output.
type StatusConfig struct {
	AgentName          string `json:"agent_name"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	PollIntervalSeconds int   `json:"poll_interval_seconds"`
}

// Core is the executor's scheduler: one poller goroutine and N worker
// goroutines sharing a bounded FIFO queue.
type Core struct {
	cfg          config.Config
	orchestrator *orchestrator.Client
	backends     map[v1.ExecutionMode]backend.Backend
	defaultMode  v1.ExecutionMode
	logger       *logger.Logger
	recorder     Recorder

	queue *queue.TaskQueue

	mu      sync.Mutex
	running bool
	active  int
	stats   v1.AgentStats

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Core. backends must contain at least the entry for
// cfg.ExecutionMode; that default back-end is also probed at startup when it
// offers a connection test (the model back-end does). Other registered
// back-ends are not probed.
func New(cfg config.Config, orch *orchestrator.Client, backends map[v1.ExecutionMode]backend.Backend, log *logger.Logger) *Core {
	return &Core{
		cfg:          cfg,
		orchestrator: orch,
		backends:     backends,
		defaultMode:  v1.ExecutionMode(cfg.ExecutionMode),
		logger:       log.WithComponent("executor-core"),
		queue:        queue.NewTaskQueue(cfg.MaxConcurrentTasks * 4),
		stop:         make(chan struct{}),
	}
}

// Start validates connectivity to the orchestrator and the configured
// back-end, then launches the poller and worker pool. It returns once
// everything is running; workers and the poller continue in the background
// until Stop is called.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("executor already running")
		return nil
	}
	c.mu.Unlock()

	c.logger.Info("starting executor")

	if !c.orchestrator.Health(ctx) {
		return fmt.Errorf("failed to connect to orchestrator")
	}
	c.logger.Info("orchestrator connection successful")

	if defaultBackend, ok := c.backends[c.defaultMode]; ok {
		if probe, ok := defaultBackend.(connectionProbe); ok {
			if !probe.TestConnection(ctx) {
				return fmt.Errorf("failed to connect to model API")
			}
			c.logger.Info("model API connection successful")
		}
	} else {
		return fmt.Errorf("no back-end registered for default execution mode %q", c.defaultMode)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pollLoop(ctx)

	for i := 0; i < c.cfg.MaxConcurrentTasks; i++ {
		c.wg.Add(1)
		go c.workerLoop(ctx, i)
	}

	c.logger.Info("executor started", zap.Int("workers", c.cfg.MaxConcurrentTasks))
	return nil
}

// Stop signals the poller and workers to shut down, proactively surrenders
// any queued-but-unstarted tasks, and waits briefly for in-flight work to
// drain before returning.
func (c *Core) Stop() error {
	c.logger.Info("stopping executor")

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	close(c.stop)

	for {
		qt := c.queue.Dequeue()
		if qt == nil {
			break
		}
		c.logger.Warn("surrendering queued task on shutdown", zap.String("task_id", qt.TaskID))
		c.orchestrator.FailTask(context.Background(), qt.TaskID, "surrendered on shutdown")
		c.mu.Lock()
		c.stats.Total++
		c.mu.Unlock()
		c.finishTask(context.Background(), qt.Task, &v1.ExecutionResult{
			Success: false,
			Error:   "surrendered on shutdown",
		})
	}

	time.Sleep(1 * time.Second)
	c.wg.Wait()

	c.logger.Info("executor stopped")
	return nil
}

// SetRecorder attaches an execution history recorder. It must be called
// before Start; nil disables history recording (the default).
func (c *Core) SetRecorder(r Recorder) {
	c.recorder = r
}

// Status returns a snapshot of the executor's running state and counters.
func (c *Core) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Active = c.active
	stats.Queued = c.queue.Len()

	return StatusSnapshot{
		Running: c.running,
		Stats:   stats,
		Config: StatusConfig{
			AgentName:           c.cfg.AgentName,
			MaxConcurrentTasks:  c.cfg.MaxConcurrentTasks,
			PollIntervalSeconds: c.cfg.PollIntervalSeconds,
		},
	}
}

func (c *Core) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Core) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.PollIntervalSeconds) * time.Second
	c.logger.Info("starting poll loop", zap.Duration("interval", interval))

	for c.isRunning() {
		if err := c.pollOnce(ctx); err != nil {
			c.logger.Error("error in poll loop", zap.Error(err))
			c.sleepOrStop(pollRetryDelay)
			continue
		}
		c.sleepOrStop(interval)
	}
}

func (c *Core) pollOnce(ctx context.Context) error {
	tasks, err := c.orchestrator.PendingTasks(ctx, c.cfg.AgentName)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	c.logger.Info("found pending tasks", zap.Int("count", len(tasks)))

	for _, task := range tasks {
		c.mu.Lock()
		hasCapacity := c.active+c.queue.Len() < c.cfg.MaxConcurrentTasks
		c.mu.Unlock()
		if !hasCapacity {
			c.logger.Debug("at max capacity, skipping remaining pending tasks")
			break
		}

		if !c.orchestrator.AcceptTask(ctx, task.ID, c.cfg.AgentName) {
			c.logger.Debug("task not leasable", zap.String("task_id", task.ID), zap.Error(errors.NotLeasable(task.ID)))
			continue
		}
		if err := c.queue.Enqueue(task); err != nil {
			c.logger.Warn("failed to enqueue accepted task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		c.logger.Info("task added to queue", zap.String("task_id", task.ID))
	}
	return nil
}

func (c *Core) sleepOrStop(d time.Duration) {
	select {
	case <-time.After(d):
	case <-c.stop:
	}
}

func (c *Core) workerLoop(ctx context.Context, id int) {
	defer c.wg.Done()
	name := fmt.Sprintf("worker-%d", id)
	c.logger.Info("starting worker loop", zap.String("worker", name))

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		qt := c.queue.Dequeue()
		if qt == nil {
			time.Sleep(1 * time.Second)
			continue
		}

		c.logger.Info("executing task", zap.String("worker", name), zap.String("task_id", qt.TaskID))
		c.executeTask(ctx, qt.Task)
	}
}

func (c *Core) executeTask(ctx context.Context, task *v1.Task) {
	c.mu.Lock()
	c.active++
	c.stats.Total++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			errMsg := errors.InternalError("unexpected panic in worker", fmt.Errorf("%v", r)).Error()
			c.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r), zap.Stack("stack"))
			c.orchestrator.FailTask(ctx, task.ID, errMsg)
			c.finishTask(ctx, task, &v1.ExecutionResult{Success: false, Error: errMsg})
		}
	}()

	start := time.Now()
	c.orchestrator.UpdateTaskStatus(ctx, task.ID, "in_progress", 0)

	mode := c.defaultMode
	if task.ExecutionMode != nil {
		mode = *task.ExecutionMode
	}
	back, ok := c.backends[mode]
	if !ok {
		errMsg := fmt.Sprintf("no back-end registered for execution mode %q", mode)
		c.logger.Error("cannot execute task", zap.String("task_id", task.ID), zap.String("mode", string(mode)))
		c.orchestrator.FailTask(ctx, task.ID, errMsg)
		c.finishTask(ctx, task, &v1.ExecutionResult{
			Success:              false,
			Error:                errMsg,
			ExecutionTimeSeconds: time.Since(start).Seconds(),
			ExecutionMode:        mode,
		})
		return
	}

	result, err := back.Execute(ctx, task)
	if err != nil {
		errMsg := errors.TaskExecution("execution error", err).Error()
		c.logger.Error("task encountered infrastructure error", zap.String("task_id", task.ID), zap.Error(err))
		c.orchestrator.FailTask(ctx, task.ID, errMsg)
		c.finishTask(ctx, task, &v1.ExecutionResult{
			Success:              false,
			Error:                errMsg,
			ExecutionTimeSeconds: time.Since(start).Seconds(),
			ExecutionMode:        mode,
		})
		return
	}

	if result.ExecutionTimeSeconds == 0 {
		result.ExecutionTimeSeconds = time.Since(start).Seconds()
	}

	if result.Success {
		c.orchestrator.CompleteTask(ctx, task.ID, result)
		c.logger.Info("task completed successfully", zap.String("task_id", task.ID))
	} else {
		c.orchestrator.FailTask(ctx, task.ID, result.Error)
		c.logger.Error("task failed", zap.String("task_id", task.ID), zap.String("error", result.Error))
	}
	c.finishTask(ctx, task, result)
}

// finishTask updates the terminal stats counters, records the outcome to
// history if a recorder is attached, and does so exactly once per task.
func (c *Core) finishTask(ctx context.Context, task *v1.Task, result *v1.ExecutionResult) {
	c.mu.Lock()
	if result.Success {
		c.stats.Completed++
	} else {
		c.stats.Failed++
	}
	if result.Usage != nil {
		c.stats.TotalTokens += result.Usage.TotalTokens
	}
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, c.cfg.AgentName, task, result); err != nil {
			c.logger.Warn("failed to record execution history", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}
