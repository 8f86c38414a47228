package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"TileSegServer/engine"
	"TileSegServer/errs"
	"TileSegServer/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

var (
	ErrRunNotFound = errors.New("run not found")
	ErrShutdown    = errors.New("manager is shut down")
)

// RunInfo is a snapshot of a managed run.
type RunInfo struct {
	ID       string    `json:"id"`
	Model    string    `json:"model"`
	Status   Status    `json:"status"`
	Progress Progress  `json:"progress"`
	Error    string    `json:"error,omitempty"`
	Objects  int       `json:"objects"`
	Created  time.Time `json:"created"`
	Finished time.Time `json:"finished,omitempty"`
}

type run struct {
	info   RunInfo
	result *Result
	err    error
	cancel context.CancelFunc
	done   chan struct{}
	subs   []chan Progress
}

// Manager runs requests asynchronously and keeps the last maxRuns finished runs.
type Manager struct {
	runner  *Runner
	ctx     context.Context
	stop    context.CancelFunc
	maxRuns int

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func NewManager(ctx context.Context, runner *Runner, maxRuns int) *Manager {
	if maxRuns <= 0 {
		maxRuns = 64
	}
	mctx, stop := context.WithCancel(ctx)
	return &Manager{runner: runner, ctx: mctx, stop: stop, maxRuns: maxRuns, runs: map[string]*run{}}
}

// Submit starts the request in its own goroutine and returns the run id.
func (m *Manager) Submit(req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShutdown
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := m.runs[req.ID]; exists {
		return "", errs.Invalid("run %s already exists", req.ID)
	}
	ctx, cancel := context.WithCancel(m.ctx)
	r := &run{
		info:   RunInfo{ID: req.ID, Status: StatusQueued, Created: time.Now(), Progress: Progress{RunID: req.ID}},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if req.Model != nil {
		r.info.Model = req.Model.Info().Name
	}
	m.runs[req.ID] = r
	m.evict()

	progress := req.Progress
	req.Progress = func(p Progress) {
		m.publish(r, p)
		if progress != nil {
			progress(p)
		}
	}
	m.wg.Add(1)
	go m.execute(ctx, r, req)
	return req.ID, nil
}

// SubmitEngine runs req on the model of e. The engine stays busy until the run ends.
func (m *Manager) SubmitEngine(e *engine.Engine, req Request) (string, error) {
	model, err := e.Acquire()
	if err != nil {
		return "", errs.Invalid("%v", err)
	}
	req.Model = model
	finish := req.OnFinish
	req.OnFinish = func(res *Result, err error) {
		e.Release()
		if finish != nil {
			finish(res, err)
		}
	}
	id, err := m.Submit(req)
	if err != nil {
		e.Release()
	}
	return id, err
}

func (m *Manager) execute(ctx context.Context, r *run, req Request) {
	defer m.wg.Done()
	defer r.cancel()
	m.mu.Lock()
	r.info.Status = StatusRunning
	m.mu.Unlock()

	res, err := m.runner.Run(ctx, req)

	m.mu.Lock()
	r.result, r.err = res, err
	r.info.Finished = time.Now()
	switch {
	case err == nil:
		r.info.Status = StatusSucceeded
		r.info.Objects = len(res.Objects)
	case errors.Is(err, errs.ErrCancelled):
		r.info.Status = StatusCancelled
		r.info.Error = err.Error()
	default:
		r.info.Status = StatusFailed
		r.info.Error = err.Error()
	}
	subs := r.subs
	r.subs = nil
	m.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	close(r.done)
	logger.Log().Info("run finished", zap.String("run", r.info.ID), zap.String("status", string(r.info.Status)))
}

func (m *Manager) publish(r *run, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.info.Progress = p
	for _, ch := range r.subs {
		select {
		case ch <- p:
		default:
			// 订阅者太慢，丢弃
		}
	}
}

// evict drops the oldest finished runs beyond maxRuns. Caller holds mu.
func (m *Manager) evict() {
	if len(m.runs) <= m.maxRuns {
		return
	}
	finished := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		if r.info.Status.Finished() {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].info.Finished.Before(finished[j].info.Finished) })
	for _, r := range finished {
		if len(m.runs) <= m.maxRuns {
			return
		}
		delete(m.runs, r.info.ID)
	}
}

func (m *Manager) get(id string) (*run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, nil
}

func (m *Manager) Status(id string) (RunInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return RunInfo{}, err
	}
	return r.info, nil
}

// Result returns the outcome of a finished run, ErrRunNotFound or the run error.
func (m *Manager) Result(id string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if !r.info.Status.Finished() {
		return nil, fmt.Errorf("run %s is %s", id, r.info.Status)
	}
	return r.result, r.err
}

// Cancel stops dispatching new tiles. It returns before the run has unwound, use Wait for that.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, err := m.get(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

// Subscribe returns a channel of progress events, closed when the run ends.
// Events are dropped when the reader falls behind.
func (m *Manager) Subscribe(id string) (<-chan Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ch := make(chan Progress, 16)
	if r.info.Status.Finished() {
		ch <- r.info.Progress
		close(ch)
		return ch, nil
	}
	r.subs = append(r.subs, ch)
	return ch, nil
}

func (m *Manager) Done(id string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

func (m *Manager) Wait(ctx context.Context, id string) (RunInfo, error) {
	done, err := m.Done(id)
	if err != nil {
		return RunInfo{}, err
	}
	select {
	case <-done:
		return m.Status(id)
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}
}

// List returns every known run, newest first.
func (m *Manager) List() []RunInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunInfo, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out
}

// Active is the number of runs not finished yet.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if !r.info.Status.Finished() {
			n++
		}
	}
	return n
}

// Shutdown cancels every run and waits for them, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
