// Package sink stores the objects of finished runs.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"TileSegServer/logger"
	"TileSegServer/task"

	"go.uber.org/zap"
)

// File writes one <runID>.json per run into Dir.
type File struct {
	Dir string
}

func (f File) Path(runID string) string {
	return filepath.Join(f.Dir, runID+".json")
}

func (f File) AddObjects(ctx context.Context, res *task.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	// 先写临时文件再改名，读者不会看到半个文件
	tmp := f.Path(res.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write objects: %w", err)
	}
	if err := os.Rename(tmp, f.Path(res.RunID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write objects: %w", err)
	}
	logger.Log().Info("objects written", zap.String("run", res.RunID), zap.String("path", f.Path(res.RunID)), zap.Int("objects", len(res.Objects)))
	return nil
}

// Read loads a result written by AddObjects.
func (f File) Read(runID string) (*task.Result, error) {
	data, err := os.ReadFile(f.Path(runID))
	if err != nil {
		return nil, err
	}
	res := &task.Result{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.Path(runID), err)
	}
	return res, nil
}

// Memory keeps results in a map keyed by run id.
type Memory struct {
	mu      sync.RWMutex
	results map[string]*task.Result
}

func NewMemory() *Memory {
	return &Memory{results: map[string]*task.Result{}}
}

func (m *Memory) AddObjects(_ context.Context, res *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[res.RunID] = res
	return nil
}

func (m *Memory) Get(runID string) (*task.Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[runID]
	return res, ok
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// Multi fans a result out to every sink in order and stops at the first error.
type Multi []task.Sink

func (ms Multi) AddObjects(ctx context.Context, res *task.Result) error {
	for _, s := range ms {
		if err := s.AddObjects(ctx, res); err != nil {
			return err
		}
	}
	return nil
}
