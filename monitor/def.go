package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"sync"
	"time"

	"TileSegServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// 指标在包初始化时创建，未启动 exporter 时也可以安全调用
var (
	PID process.Process

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	TilesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiles_processed_total",
		Help: "Tiles processed, by outcome",
	}, []string{"outcome"})
	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentation_runs_total",
		Help: "Segmentation runs, by outcome",
	}, []string{"outcome"})
	PredictionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "predictions_in_flight",
		Help: "Predict calls currently running on a predictor handle",
	})
	HandlesOutstanding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "predictor_handles_outstanding",
		Help: "Predictor handles acquired and not yet released",
	})
	PredictionSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prediction_duration_seconds",
		Help:    "Duration of a single tile predict call",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	ObjectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "objects_detected_total",
		Help: "Merged object instances returned by successful runs",
	})
)

var (
	registry = newRegistry()
	srvMu    sync.Mutex
	srv      *http.Server
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(memUsage, cpuUsage, GRPCTotal, TilesTotal, RunsTotal,
		PredictionsInFlight, HandlesOutstanding, PredictionSeconds, ObjectsTotal)
	return r
}

// Handler exposes the registry, the HTTP API mounts it as well.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func Registry() *prometheus.Registry {
	return registry
}

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srvMu.Lock()
	srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s := srv
	srvMu.Unlock()
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
}

func CheckProcessInfo() {
	MemInfo, err := PID.MemoryInfo()
	if err == nil && MemInfo != nil {
		memUsage.Set(float64(MemInfo.RSS / 1024 / 1024))
	}
	CPUPercent, err := PID.CPUPercent()
	if err == nil {
		cpuUsage.Set(math.Round(CPUPercent*100) / 100)
	}
}

func GotPID() {
	pid := os.Getpid()
	PID.Pid = int32(pid)
}

// StartMon 启动 /metrics 并每 500ms 采样一次进程信息，ctx 取消后退出
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srvMu.Lock()
	s := srv
	srvMu.Unlock()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
