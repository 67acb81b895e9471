package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type TaskState string

const (
	TaskStateRunning  TaskState = "running"
	TaskStateFailed   TaskState = "failed"
	TaskStateCanceled TaskState = "canceled"
	TaskStatePanicked TaskState = "panicked"
)

// TaskStatus is the latest snapshot of a supervised swap task.
type TaskStatus struct {
	Name          string        `json:"name"`
	State         TaskState     `json:"state"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       time.Time     `json:"endedAt"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	Error         string        `json:"error,omitempty"`
	Panic         string        `json:"panic,omitempty"`
	Stalled       bool          `json:"stalled"`
	Interval      time.Duration `json:"interval,omitempty"`
	Runs          uint64        `json:"runs"`
	Failures      uint64        `json:"failures"`
	LastRun       time.Time     `json:"lastRun"`
	LastError     string        `json:"lastError,omitempty"`
	// Pending is the number of swaps the task still watches after its last
	// run.
	Pending int `json:"pending"`
}

type Status struct {
	StartedAt time.Time    `json:"startedAt"`
	Tasks     []TaskStatus `json:"tasks"`
}

// PendingSwaps sums the pending swaps reported by every task.
func (s Status) PendingSwaps() int {
	total := 0
	for _, t := range s.Tasks {
		total += t.Pending
	}
	return total
}

// TaskFunc runs until ctx is done. Long waits should tick hb so that the
// monitor can tell a stuck event stream from an idle one.
type TaskFunc func(ctx context.Context, hb Heartbeat) error

// SyncFunc reconciles a batch of swaps and returns how many are still
// pending.
type SyncFunc func(ctx context.Context) (pending int, err error)

type Heartbeat interface {
	Tick()
}

// Logger is satisfied by *logrus.Entry and *logrus.Logger.
type Logger interface {
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Infof(format string, args ...any)
}

// Monitor supervises the background tasks of the swapper: the event
// streams of each chain and the periodic watchdogs re-syncing the swaps of
// each wrapper.
type Monitor struct {
	ctx    context.Context
	cancel context.CancelFunc

	lock  sync.RWMutex
	tasks map[string]*task
	wg    sync.WaitGroup

	stallAfter    time.Duration
	checkInterval time.Duration
	logger        Logger
	startedAt     time.Time
}

type Option func(*Monitor)

// WithStallThreshold sets how long a task may go without heartbeat before
// being reported as stalled. Periodic tasks get their interval on top.
// Zero disables stall detection.
func WithStallThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.stallAfter = d }
}

func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkInterval = d }
}

func WithLogger(l Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		ctx:           ctx,
		cancel:        cancel,
		tasks:         make(map[string]*task),
		stallAfter:    5 * time.Minute,
		checkInterval: 10 * time.Second,
		logger:        log.WithField("component", "monitor"),
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.checkInterval > 0 && m.stallAfter > 0 {
		m.wg.Add(1)
		go m.watch()
	}
	return m
}

// Go runs fn in its own goroutine until it returns or the monitor stops.
func (m *Monitor) Go(name string, fn TaskFunc) error {
	t, err := m.register(name, 0)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.end(TaskStatePanicked, "", fmt.Sprint(r))
				m.logger.Errorf("task %s panicked: %v", name, r)
			}
		}()

		err := fn(m.ctx, t)
		switch {
		case err == nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			t.end(TaskStateCanceled, msg, "")
		default:
			t.end(TaskStateFailed, err.Error(), "")
			m.logger.Warnf("task %s failed: %s", name, err)
		}
	}()
	return nil
}

// Every runs fn each interval until the monitor stops. A failed or
// panicking run is recorded and the next one is still scheduled.
func (m *Monitor) Every(name string, interval time.Duration, fn SyncFunc) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for task %s", interval, name)
	}
	t, err := m.register(name, interval)
	if err != nil {
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				t.end(TaskStateCanceled, m.ctx.Err().Error(), "")
				return
			case <-ticker.C:
				pending, err := m.runOnce(m.ctx, name, fn)
				if m.ctx.Err() != nil {
					continue
				}
				t.record(pending, err)
			}
		}
	}()
	return nil
}

func (m *Monitor) runOnce(ctx context.Context, name string, fn SyncFunc) (pending int, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("task %s panicked: %v", name, r)
			pending, err = -1, fmt.Errorf("panic: %v", r)
		}
	}()
	pending, err = fn(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Warnf("task %s failed: %s", name, err)
	}
	return pending, err
}

func (m *Monitor) register(name string, interval time.Duration) (*task, error) {
	if name == "" {
		return nil, fmt.Errorf("missing task name")
	}
	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("monitor stopped")
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.tasks[name]; ok {
		return nil, fmt.Errorf("task %s already registered", name)
	}
	t := newTask(name, interval)
	m.tasks[name] = t
	return t, nil
}

// Snapshot returns the status of every task, sorted by name.
func (m *Monitor) Snapshot() Status {
	m.lock.RLock()
	defer m.lock.RUnlock()

	status := Status{StartedAt: m.startedAt, Tasks: make([]TaskStatus, 0, len(m.tasks))}
	for _, t := range m.tasks {
		status.Tasks = append(status.Tasks, t.status())
	}
	sort.Slice(status.Tasks, func(i, j int) bool { return status.Tasks[i].Name < status.Tasks[j].Name })
	return status
}

// Stop cancels every task and waits for them to return.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) watch() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			m.checkStalls(now)
		}
	}
}

func (m *Monitor) checkStalls(now time.Time) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, t := range m.tasks {
		since, stalled, changed := t.checkStall(now, m.stallAfter)
		if !changed {
			continue
		}
		if stalled {
			m.logger.Warnf("task %s stalled, no heartbeat for %s", t.name, since.Truncate(time.Millisecond))
		} else {
			m.logger.Infof("task %s recovered", t.name)
		}
	}
}

type task struct {
	lock sync.Mutex

	name          string
	interval      time.Duration
	state         TaskState
	startedAt     time.Time
	endedAt       time.Time
	lastHeartbeat time.Time
	err           string
	panic         string
	stalled       bool
	runs          uint64
	failures      uint64
	lastRun       time.Time
	lastErr       string
	pending       int
}

func newTask(name string, interval time.Duration) *task {
	now := time.Now()
	return &task{
		name: name, interval: interval, state: TaskStateRunning, startedAt: now, lastHeartbeat: now,
	}
}

// Tick implements Heartbeat.
func (t *task) Tick() {
	t.lock.Lock()
	t.lastHeartbeat = time.Now()
	t.lock.Unlock()
}

// record stores the outcome of a periodic run. A negative pending count
// keeps the previous one.
func (t *task) record(pending int, err error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := time.Now()
	t.runs++
	t.lastRun = now
	t.lastHeartbeat = now
	if pending >= 0 {
		t.pending = pending
	}
	t.lastErr = ""
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	}
}

func (t *task) end(state TaskState, err, panicMsg string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.state = state
	t.endedAt = time.Now()
	t.err = err
	t.panic = panicMsg
}

// checkStall updates the stall flag of a running task and reports whether
// it flipped.
func (t *task) checkStall(now time.Time, threshold time.Duration) (time.Duration, bool, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.state != TaskStateRunning {
		return 0, t.stalled, false
	}
	since := now.Sub(t.lastHeartbeat)
	stalled := since > threshold+t.interval
	changed := stalled != t.stalled
	t.stalled = stalled
	return since, stalled, changed
}

func (t *task) status() TaskStatus {
	t.lock.Lock()
	defer t.lock.Unlock()
	return TaskStatus{
		Name:          t.name,
		State:         t.state,
		StartedAt:     t.startedAt,
		EndedAt:       t.endedAt,
		LastHeartbeat: t.lastHeartbeat,
		Error:         t.err,
		Panic:         t.panic,
		Stalled:       t.stalled,
		Interval:      t.interval,
		Runs:          t.runs,
		Failures:      t.failures,
		LastRun:       t.lastRun,
		LastError:     t.lastErr,
		Pending:       t.pending,
	}
}
