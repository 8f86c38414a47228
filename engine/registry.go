package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEngineNotFound = errors.New("engine not found")

// Registry holds the loaded engines by id.
type Registry struct {
	loader iface.ModelLoader

	mu      sync.RWMutex
	engines map[string]*Engine
	seqMu   sync.Mutex
}

func NewRegistry(loader iface.ModelLoader) *Registry {
	return &Registry{loader: loader, engines: map[string]*Engine{}}
}

// Init loads a model into a new engine and registers it under a fresh id.
func (r *Registry) Init(ctx context.Context, modelPath, description string, device iface.Device, numPredictors int) (*Engine, error) {
	if modelPath == "" {
		return nil, errs.Invalid("model path cannot be empty")
	}
	e := &Engine{Description: description}
	e.New(uuid.NewString())
	// 模型逐个加载
	r.seqMu.Lock()
	err := e.LoadModel(ctx, r.loader, modelPath, device, numPredictors)
	r.seqMu.Unlock()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.engines[e.ID] = e
	r.mu.Unlock()
	logger.Log().Info("Initialized new engine",
		zap.String("ID", e.ID), zap.String("ModelPath", modelPath),
		zap.String("Device", string(device)), zap.Int("NumPredictors", e.NumPredictors))
	return e, nil
}

func (r *Registry) Get(id string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, id)
	}
	return e, nil
}

// List returns the config of every engine ordered by id.
func (r *Registry) List() []iface.EngineConfig {
	r.mu.RLock()
	all := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		all = append(all, e)
	}
	r.mu.RUnlock()
	out := make([]iface.EngineConfig, 0, len(all))
	for _, e := range all {
		out = append(out, e.CheckConfig())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Destroy closes and unregisters an idle engine.
func (r *Registry) Destroy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[id]
	if !ok {
		logger.Log().Error("engine not found with ID", zap.String("ID", id))
		return fmt.Errorf("%w: %s", ErrEngineNotFound, id)
	}
	if err := e.Destroy(); err != nil {
		if e.State == BUSY {
			return fmt.Errorf("%w: %w", errs.ErrResourceExhausted, err)
		}
		logger.Log().Warn("close model", zap.String("ID", id), zap.Error(err))
	}
	delete(r.engines, id)
	logger.Log().Info("Destroyed engine", zap.String("ID", id))
	return nil
}

// DestroyAll closes every engine that is not busy and reports the busy ones.
func (r *Registry) DestroyAll() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	var all []error
	for _, id := range ids {
		if err := r.Destroy(id); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
