package engine

import (
	"context"
	"fmt"
	"sync"

	iface "TileSegServer/interface"
)

// Engine is a loaded model kept between runs, keyed by ID in the server registry.
// Every run on an Engine creates its own predictor pool.
type Engine struct {
	ID            string
	Description   string
	ModelPath     string
	Device        iface.Device
	NumPredictors int
	State         int
	ErrorMessage  string

	mu     sync.Mutex
	model  iface.Model
	active int
}

func (e *Engine) New(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ID = id
	e.State = REGISTERED
	return true
}

func (e *Engine) LoadModel(ctx context.Context, loader iface.ModelLoader, modelPath string, device iface.Device, numPredictors int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State != REGISTERED {
		return fmt.Errorf("engine %s is %s, cannot load a model", e.ID, StateName(e.State))
	}
	model, err := loader.Load(ctx, modelPath, device)
	if err != nil {
		e.ErrorMessage = err.Error()
		return err
	}
	if numPredictors <= 0 {
		numPredictors = 1
	}
	e.model = model
	e.ModelPath = modelPath
	e.Device = device
	e.NumPredictors = numPredictors
	e.ErrorMessage = ""
	e.State = IDLE
	return nil
}

func (e *Engine) CheckConfig() iface.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := iface.EngineConfig{
		ID:            e.ID,
		Description:   e.Description,
		ModelPath:     e.ModelPath,
		Device:        e.Device,
		NumPredictors: e.NumPredictors,
		State:         StateName(e.State),
		ActiveRuns:    e.active,
	}
	if e.model != nil {
		cfg.Info = e.model.Info()
	}
	return cfg
}

// Acquire marks the engine busy for one run and returns its model.
// Runs may overlap, each one holds its own pool.
func (e *Engine) Acquire() (iface.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.State {
	case UNREGISTERED:
		return nil, fmt.Errorf("engine %s not registered", e.ID)
	case REGISTERED:
		return nil, fmt.Errorf("engine %s has no model loaded", e.ID)
	}
	e.active++
	e.State = BUSY
	return e.model, nil
}

func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active > 0 {
		e.active--
	}
	if e.active == 0 && e.State == BUSY {
		e.State = IDLE
	}
}

// Destroy closes the model. A busy engine cannot be destroyed.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == BUSY {
		return fmt.Errorf("engine %s is busy with %d runs", e.ID, e.active)
	}
	var err error
	if e.model != nil {
		err = e.model.Close()
	}
	e.model = nil
	e.ModelPath = ""
	e.Device = ""
	e.NumPredictors = 0
	e.State = UNREGISTERED
	return err
}
