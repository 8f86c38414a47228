package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "TileSegServer/Adhoc"
	"TileSegServer/config"
	"TileSegServer/engine"
	backend "TileSegServer/gRPC"
	"TileSegServer/httpapi"
	"TileSegServer/imgops"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/monitor"
	"TileSegServer/service"
	"TileSegServer/sink"
	"TileSegServer/task"

	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// 8.8.8.8 是 Google DNS，这里只是为了建立路由路径得到本地出口 IP
	// 实际并没有真正的物理连接，所以不需要联网也可以（只要有路由表）
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func openImage(path string, cal iface.PixelCalibration) (iface.ImageSource, error) {
	src, err := imgops.Open(path, cal)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func decodeImage(data []byte, cal iface.PixelCalibration) (iface.ImageSource, error) {
	src, err := imgops.Decode(data, cal)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := logger.InitWithLevel(cfg.LogLevel, cfg.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		return
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" gRPC  Port:", cfg.RPCPort)
	fmt.Println(" HTTP  Port:", cfg.HTTPPort)
	fmt.Println(" Metrics Port:", cfg.MonitorPort)
	fmt.Println(" Model Dir:", cfg.ModelDir)
	fmt.Println(" Run defaults:", cfg.Run.String())
	fmt.Println(strings.Repeat("#", 64))
	if warnings := cfg.Run.Normalize(); len(warnings) > 0 {
		fmt.Println(strings.Repeat("!", 64))
		for _, w := range warnings {
			fmt.Println(w)
		}
		fmt.Println(strings.Repeat("!", 64))
	}
	if err := cfg.Run.Validate(); err != nil {
		logger.Log().Error("invalid run defaults", zap.Error(err))
		return
	}
	if cfg.Run.DeviceOf().Accelerated() {
		fmt.Println("If you need GPU acceleration, please make sure that your GPU has enough memory for numPredictors handles.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &task.Runner{Resizer: imgops.Resizer{}, Outline: imgops.Outline, Labeller: imgops.Labeller{}}
	svc := &service.Service{
		Engines:  engine.NewRegistry(engine.DirLoader{Root: cfg.ModelDir}),
		Runs:     task.NewManager(ctx, runner, cfg.MaxRuns),
		Defaults: cfg.Run,
		Sink:     sink.File{Dir: cfg.OutputDir},
		Open:     openImage,
		Decode:   decodeImage,
		ModelDir: cfg.ModelDir,
	}

	go monitor.StartMon(cfg.MonitorPort, ctx)

	rpc := backend.NewServer(svc)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		logger.Log().Error("Failed to start gRPC server", zap.Error(err))
		return
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpapi.New(svc, cfg.Development),
	}
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("HTTP server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if cfg.Registry.Enabled {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Error("Failed to get outbound IP", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(cfg.Registry, ip, cfg.RPCPort, cfg.HTTPPort, cfg.Run.DeviceOf(), func() (int, int) {
				return len(svc.Engines.List()), svc.Runs.Active()
			})
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		logger.Log().Info("registry disabled, skipping registration")
	}

	select {
	case <-rpc.CloseChannel:
	case <-sigCtx.Done():
	}
	logger.Log().Warn("Shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Log().Warn("shutdown", zap.Error(err))
	}
	cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	wg.Wait()
	fmt.Println("Safely exited")
}
