package engine

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultRemoteTimeout = 30 * time.Second

// WireTensor is a tensor on the wire: little-endian float32 values, base64 encoded.
type WireTensor struct {
	Layout   string `json:"layout"`
	Channels int    `json:"channels"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Data     string `json:"data"`
}

func EncodeTensor(t iface.Tensor) WireTensor {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	layout := t.Layout
	if layout == "" {
		layout = iface.LayoutCHW
	}
	return WireTensor{Layout: string(layout), Channels: t.Channels, Height: t.Height, Width: t.Width, Data: base64.StdEncoding.EncodeToString(buf)}
}

func DecodeTensor(w WireTensor) (iface.Tensor, error) {
	layout, err := iface.ParseLayout(w.Layout)
	if err != nil {
		return iface.Tensor{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("tensor data: %w", err)
	}
	if len(raw)%4 != 0 {
		return iface.Tensor{}, fmt.Errorf("tensor data has %d bytes, not a multiple of 4", len(raw))
	}
	t := iface.Tensor{Layout: layout, Type: iface.PixelFloat32, Channels: w.Channels, Height: w.Height, Width: w.Width, Data: make([]float32, len(raw)/4)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return t, t.Validate()
}

type PredictRequest struct {
	Session string     `json:"session"`
	Device  string     `json:"device"`
	Tensor  WireTensor `json:"tensor"`
}

type PredictResponse struct {
	Tensor WireTensor `json:"tensor"`
	Error  string     `json:"error,omitempty"`
}

// RemoteModel forwards predictions to an HTTP inference server:
// GET /info returns a ModelInfo, POST /predict takes a PredictRequest.
type RemoteModel struct {
	info   iface.ModelInfo
	device iface.Device
	client *resty.Client
	open   atomic.Int64
}

func NewRemoteModel(ctx context.Context, m Manifest, device iface.Device) (*RemoteModel, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	client := resty.New().SetBaseURL(m.URL).SetTimeout(timeout)
	resp, err := client.R().SetContext(ctx).Get("/info")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrModelLoad, m.URL, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, errs.ModelNotFound(m.URL+"/info", nil)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s: server returned %s", errs.ErrModelLoad, m.URL, resp.Status())
	}
	remote := iface.ModelInfo{}
	if err := json.Unmarshal(resp.Body(), &remote); err != nil {
		return nil, errs.MalformedModel(m.URL+"/info", err)
	}
	info := mergeInfo(m.ModelInfo, remote)
	return &RemoteModel{info: info, device: device, client: client}, nil
}

// mergeInfo fills fields the manifest left unset from what the server reports.
func mergeInfo(local, remote iface.ModelInfo) iface.ModelInfo {
	if local.Name == "" {
		local.Name = remote.Name
	}
	if !local.FixedInput() && remote.FixedInput() {
		local.InputWidth, local.InputHeight = remote.InputWidth, remote.InputHeight
	}
	if (local.NumChannels == 0 || local.NumChannels == iface.AnyChannels) && remote.NumChannels > 0 {
		local.NumChannels = remote.NumChannels
	}
	if local.OutputChannels == 0 {
		local.OutputChannels = remote.OutputChannels
	}
	return local
}

func (m *RemoteModel) Info() iface.ModelInfo { return m.info }

func (m *RemoteModel) Device() iface.Device { return m.device }

func (m *RemoteModel) NewPredictor() (iface.Predictor, error) {
	m.open.Add(1)
	return &remotePredictor{model: m, session: uuid.NewString()}, nil
}

func (m *RemoteModel) Close() error {
	if n := m.open.Load(); n > 0 {
		return fmt.Errorf("%d predictors still open", n)
	}
	return nil
}

type remotePredictor struct {
	model   *RemoteModel
	session string
	closed  atomic.Bool
}

func (p *remotePredictor) Predict(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if p.closed.Load() {
		return iface.Tensor{}, errors.New("predictor closed")
	}
	var out PredictResponse
	resp, err := p.model.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(PredictRequest{Session: p.session, Device: string(p.model.device), Tensor: EncodeTensor(in)}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return iface.Tensor{}, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	if out.Error != "" {
		return iface.Tensor{}, errors.New(out.Error)
	}
	t, err := DecodeTensor(out.Tensor)
	if err != nil {
		return iface.Tensor{}, errs.ShapeMismatch("remote output: %v", err)
	}
	return t, nil
}

func (p *remotePredictor) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.model.open.Add(-1)
	}
	return nil
}
