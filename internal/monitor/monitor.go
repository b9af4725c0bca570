// Package monitor implements the process monitor (C6): one background
// goroutine per attached PID that polls liveness, samples resource usage,
// tails growing log files, and notifies subscribers of lifecycle events.
package monitor

import (
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
	v1 "github.com/zephyrfeng/kandev-executor/pkg/api/v1"
)

const checkInterval = 1 * time.Second

// Event is the kind of notification delivered to subscribers.
type Event string

const (
	EventOutput    Event = "output"
	EventError     Event = "error"
	EventCompleted Event = "completed"
	EventTimedOut  Event = "timed_out"
	EventKilled    Event = "killed"
)

// Callback receives monitor notifications. It must not block: it runs
// outside the monitor's lock, in the polling goroutine for output, error and
// completed events, and in the caller's goroutine for the timed_out and
// killed events raised by SignalTimeout and SignalKill.
type Callback func(pid int, event Event, data string)

type attachment struct {
	metrics     *v1.ProcessMetrics
	outputPath  string
	errorPath   string
	lastOutSize int64
	lastErrSize int64
	callbacks   []Callback
	stop        chan struct{}
}

// Monitor supervises attached processes.
type Monitor struct {
	logger *logger.Logger

	mu          sync.Mutex
	attachments map[int]*attachment
}

// New builds a Monitor.
func New(log *logger.Logger) *Monitor {
	return &Monitor{
		logger:      log.WithComponent("monitor"),
		attachments: make(map[int]*attachment),
	}
}

// Attach begins monitoring pid, tailing the given log files, and returns the
// live metrics record (mutated in place by the polling goroutine).
func (m *Monitor) Attach(pid int, stdoutPath, stderrPath string) *v1.ProcessMetrics {
	metrics := &v1.ProcessMetrics{
		PID:       pid,
		StartTime: time.Now(),
		State:     v1.ProcessStateStarting,
	}

	a := &attachment{
		metrics:    metrics,
		outputPath: stdoutPath,
		errorPath:  stderrPath,
		stop:       make(chan struct{}),
	}

	m.mu.Lock()
	m.attachments[pid] = a
	m.mu.Unlock()

	m.logger.Info("attached to process", zap.Int("pid", pid))
	go m.pollLoop(pid, a)

	return metrics
}

// Subscribe registers fn to receive events for pid.
func (m *Monitor) Subscribe(pid int, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attachments[pid]; ok {
		a.callbacks = append(a.callbacks, fn)
	}
}

// SignalTimeout marks pid's metrics as timed out. This does not itself kill
// the process — that is the session manager's responsibility.
func (m *Monitor) SignalTimeout(pid int) {
	m.transitionTerminal(pid, v1.ProcessStateTimedOut, EventTimedOut)
}

// SignalKill marks pid's metrics as killed.
func (m *Monitor) SignalKill(pid int) {
	m.transitionTerminal(pid, v1.ProcessStateKilled, EventKilled)
}

func (m *Monitor) transitionTerminal(pid int, state v1.ProcessState, event Event) {
	m.mu.Lock()
	a, ok := m.attachments[pid]
	m.mu.Unlock()
	if !ok || a.metrics.State.IsTerminal() {
		return
	}

	a.metrics.State = state
	now := time.Now()
	a.metrics.EndTime = &now
	m.notify(a, event, "")
}

// Detach stops monitoring pid and removes its record.
func (m *Monitor) Detach(pid int) {
	m.mu.Lock()
	a, ok := m.attachments[pid]
	delete(m.attachments, pid)
	m.mu.Unlock()

	if ok {
		close(a.stop)
	}
	m.logger.Info("detached from process", zap.Int("pid", pid))
}

func (m *Monitor) pollLoop(pid int, a *attachment) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		if a.metrics.State.IsTerminal() {
			return
		}

		if !processAlive(pid) {
			a.metrics.State = v1.ProcessStateCompleted
			now := time.Now()
			a.metrics.EndTime = &now
			m.notify(a, EventCompleted, "")
			return
		}

		if a.metrics.State == v1.ProcessStateStarting {
			a.metrics.State = v1.ProcessStateRunning
		}

		sampleResourceUsage(pid, a.metrics)

		m.tail(a, a.outputPath, &a.lastOutSize, &a.metrics.OutputLines, EventOutput)
		m.tail(a, a.errorPath, &a.lastErrSize, &a.metrics.ErrorLines, EventError)
	}
}

func (m *Monitor) tail(a *attachment, path string, lastSize *int64, lineCounter *int, event Event) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Size() <= *lastSize {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	if _, err := f.Seek(*lastSize, 0); err != nil {
		return
	}
	buf := make([]byte, info.Size()-*lastSize)
	n, _ := f.Read(buf)
	chunk := string(buf[:n])
	*lastSize = info.Size()
	*lineCounter += strings.Count(chunk, "\n")

	m.notify(a, event, chunk)
}

func (m *Monitor) notify(a *attachment, event Event, data string) {
	m.mu.Lock()
	callbacks := make([]Callback, len(a.callbacks))
	copy(callbacks, a.callbacks)
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(a.metrics.PID, event, data)
	}
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func sampleResourceUsage(pid int, metrics *v1.ProcessMetrics) {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "%cpu,rss").Output()
	if err != nil {
		return
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return
	}
	if cpu, err := strconv.ParseFloat(fields[0], 64); err == nil {
		metrics.CPUPercent = cpu
	}
	if rssKB, err := strconv.ParseFloat(fields[1], 64); err == nil {
		metrics.MemoryMB = rssKB / 1024
	}
}
