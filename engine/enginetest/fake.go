// Package enginetest provides an instrumented in-memory model for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"time"

	iface "TileSegServer/interface"
)

// Model counts calls, open predictors and the highest number of concurrent predict calls.
// The zero value is usable: any input size, one output channel, foreground where channel 0 > 0.5.
type Model struct {
	ModelInfo iface.ModelInfo
	Dev       iface.Device
	Delay     time.Duration
	// Fn computes the output, nil uses Foreground.
	Fn func(in iface.Tensor) (iface.Tensor, error)
	// Fail, when set, is consulted before every call with the 1-based call number.
	Fail      func(call int) error
	NewErr    error
	NewErrAt  int
	IgnoreCtx bool

	mu        sync.Mutex
	inFlight  int
	highWater int
	calls     int
	created   int
	open      int
	closed    bool
}

func (m *Model) Info() iface.ModelInfo {
	info := m.ModelInfo
	if info.Name == "" {
		info.Name = "fake"
	}
	if info.NumChannels == 0 {
		info.NumChannels = iface.AnyChannels
	}
	return info
}

func (m *Model) Device() iface.Device {
	if m.Dev == "" {
		return iface.DeviceCPU
	}
	return m.Dev
}

func (m *Model) NewPredictor() (iface.Predictor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NewErr != nil && m.created+1 >= m.NewErrAt {
		return nil, m.NewErr
	}
	m.created++
	m.open++
	return &predictor{m: m}, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Model) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// HighWater is the largest number of predict calls seen in flight at once.
func (m *Model) HighWater() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWater
}

func (m *Model) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *Model) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

func (m *Model) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Foreground labels pixels whose first channel exceeds 0.5 with 1.
func Foreground(in iface.Tensor) (iface.Tensor, error) {
	out := iface.NewTensor(1, in.Height, in.Width)
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			if in.At(0, y, x) > 0.5 {
				out.Set(0, y, x, 1)
			}
		}
	}
	return out, nil
}

type predictor struct {
	m      *Model
	mu     sync.Mutex
	closed bool
}

func (p *predictor) Predict(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if !p.mu.TryLock() {
		return iface.Tensor{}, errors.New("predictor used concurrently")
	}
	defer p.mu.Unlock()
	if p.closed {
		return iface.Tensor{}, errors.New("predictor closed")
	}

	m := p.m
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.inFlight++
	if m.inFlight > m.highWater {
		m.highWater = m.inFlight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.Fail != nil {
		if err := m.Fail(call); err != nil {
			return iface.Tensor{}, err
		}
	}
	if m.Delay > 0 {
		if m.IgnoreCtx {
			time.Sleep(m.Delay)
		} else {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return iface.Tensor{}, ctx.Err()
			}
		}
	}
	fn := m.Fn
	if fn == nil {
		fn = Foreground
	}
	return fn(in)
}

func (p *predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.m.mu.Lock()
	p.m.open--
	p.m.mu.Unlock()
	return nil
}
