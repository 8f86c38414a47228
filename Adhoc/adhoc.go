package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"TileSegServer/config"
	iface "TileSegServer/interface"
	"TileSegServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	MpsInstance    = 0x2005
	TimeOutSeconds = 5
)

func InstanceClassOf(device iface.Device) int {
	switch device {
	case iface.DeviceCUDA:
		return CudaInstance
	case iface.DeviceGPU:
		return DmlInstance
	case iface.DeviceMPS:
		return MpsInstance
	default:
		return CpuInstance
	}
}

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	HTTPPort      int    `json:"httpPort"`
	InstanceClass int    `json:"instanceClass"`
	Engines       int    `json:"engines"`
	ActiveRuns    int    `json:"activeRuns"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Load reports the current number of engines and unfinished runs.
type Load func() (engines, activeRuns int)

// Heartbeat registers this node with the registry server and keeps it alive.
type Heartbeat struct {
	Id       string
	IP       string
	RPCPort  int
	HTTPPort int
	Device   iface.Device
	Load     Load

	url      string
	interval time.Duration
	client   *resty.Client
}

func NewHeartbeat(reg config.Registry, ip string, rpcPort, httpPort int, device iface.Device, load Load) *Heartbeat {
	interval := reg.Interval
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		Id:       uuid.NewString(),
		IP:       ip,
		RPCPort:  rpcPort,
		HTTPPort: httpPort,
		Device:   device,
		Load:     load,
		url:      fmt.Sprintf("http://%s:%d/api/register", reg.Host, reg.Port),
		interval: interval,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
	}
}

// Send posts one registration.
func (h *Heartbeat) Send(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat panic recovered: %v", r)
		}
	}()
	reqBody := RegisterRequest{
		Id:            h.Id,
		IP:            h.IP,
		Port:          h.RPCPort,
		HTTPPort:      h.HTTPPort,
		InstanceClass: InstanceClassOf(h.Device),
		TimeStamp:     time.Now().Unix(),
	}
	if h.Load != nil {
		reqBody.Engines, reqBody.ActiveRuns = h.Load()
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).     // 可以直接传 struct，resty 会 JSON 编码
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(h.url)
	if err != nil {
		return fmt.Errorf("request error: %w", err)
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registration rejected for %s", h.Id)
	}
	return nil
}

// Run sends a heartbeat right away and then every interval until ctx ends.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	send := func() {
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Error("heartbeat failed", zap.String("id", h.Id), zap.Error(err))
		}
	}
	send()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("Heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			send()
		}
	}
}
