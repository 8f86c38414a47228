package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/monitor"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004
const CLOSED = 0x0005

func StateName(state int) string {
	switch state {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case BUSY:
		return "busy"
	case CLOSED:
		return "closed"
	default:
		return fmt.Sprintf("state(%#x)", state)
	}
}

// Handle is one loaded predictor bound to a device. It is owned by at most one
// tile at a time, from Acquire until Release.
type Handle struct {
	ID        string
	Device    iface.Device
	predictor iface.Predictor
	state     atomic.Int32
	uses      atomic.Int64
}

func (h *Handle) State() int {
	return int(h.state.Load())
}

// Uses is the number of predict calls made on this handle.
func (h *Handle) Uses() int64 {
	return h.uses.Load()
}

// Predict runs the predictor. Only the current owner may call it.
func (h *Handle) Predict(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if h.State() != BUSY {
		return iface.Tensor{}, fmt.Errorf("%w: handle %s used while %s", errs.ErrTilePrediction, h.ID, StateName(h.State()))
	}
	h.uses.Add(1)
	monitor.PredictionsInFlight.Inc()
	start := time.Now()
	defer func() {
		monitor.PredictionsInFlight.Dec()
		monitor.PredictionSeconds.Observe(time.Since(start).Seconds())
	}()
	return h.predictor.Predict(ctx, in)
}
