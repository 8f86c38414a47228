package Adhoc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"TileSegServer/config"
	iface "TileSegServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registry struct {
	mu   sync.Mutex
	reqs []RegisterRequest
	ok   bool
}

func (r *registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	r.reqs = append(r.reqs, body)
	ok := r.ok
	r.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RegisterResponse{Id: body.Id, Success: ok})
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func regConfig(t *testing.T, ts *httptest.Server, interval time.Duration) config.Registry {
	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return config.Registry{Enabled: true, Host: host, Port: p, Interval: interval}
}

func TestSend(t *testing.T) {
	reg := &registry{ok: true}
	ts := httptest.NewServer(reg)
	defer ts.Close()

	h := NewHeartbeat(regConfig(t, ts, 0), "10.0.0.2", 50051, 8080, iface.DeviceCUDA, func() (int, int) { return 2, 1 })
	require.NoError(t, h.Send(context.Background()))
	require.Equal(t, 1, reg.count())
	reg.mu.Lock()
	got := reg.reqs[0]
	reg.ok = false
	reg.mu.Unlock()
	assert.Equal(t, h.Id, got.Id)
	assert.Equal(t, "10.0.0.2", got.IP)
	assert.Equal(t, 50051, got.Port)
	assert.Equal(t, CudaInstance, got.InstanceClass)
	assert.Equal(t, 2, got.Engines)
	assert.Equal(t, 1, got.ActiveRuns)

	assert.Error(t, h.Send(context.Background()))
}

func TestSendServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	h := NewHeartbeat(regConfig(t, ts, 0), "127.0.0.1", 1, 2, iface.DeviceCPU, nil)
	assert.ErrorContains(t, h.Send(context.Background()), "503")
}

func TestRunUntilCancelled(t *testing.T) {
	reg := &registry{ok: true}
	ts := httptest.NewServer(reg)
	defer ts.Close()

	h := NewHeartbeat(regConfig(t, ts, 10*time.Millisecond), "127.0.0.1", 1, 2, iface.DeviceCPU, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go h.Run(ctx, &wg)
	assert.Eventually(t, func() bool { return reg.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
}

func TestInstanceClassOf(t *testing.T) {
	assert.Equal(t, CpuInstance, InstanceClassOf(iface.DeviceCPU))
	assert.Equal(t, DmlInstance, InstanceClassOf(iface.DeviceGPU))
	assert.Equal(t, MpsInstance, InstanceClassOf(iface.DeviceMPS))
}
