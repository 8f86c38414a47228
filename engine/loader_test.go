package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"TileSegServer/errs"
	iface "TileSegServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadManifestErrors(t *testing.T) {
	_, _, err := ReadManifest(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, errs.ErrModelNotFound)
	assert.ErrorIs(t, err, errs.ErrModelLoad)

	_, _, err = ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, errs.ErrModelNotFound)

	_, _, err = ReadManifest("")
	assert.ErrorIs(t, err, errs.ErrModelNotFound)

	for _, body := range []string{
		"backend: [intensity",
		"backend: onnx",
		"backend: remote",
		"backend: intensity\nlayout: WHC",
		"backend: intensity\ninputWidth: 256",
		"backend: intensity\nnumChannels: -3",
	} {
		_, _, err = ReadManifest(writeManifest(t, body))
		assert.ErrorIs(t, err, errs.ErrMalformedModel, body)
		assert.ErrorIs(t, err, errs.ErrModelLoad, body)
	}
}

func TestReadManifestDefaults(t *testing.T) {
	dir := writeManifest(t, "backend: intensity\n")
	m, path, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestName), path)
	assert.Equal(t, filepath.Base(dir), m.Name)
	assert.Equal(t, iface.LayoutCHW, m.Layout)
	assert.Equal(t, iface.LayoutCHW, m.OutputLayout)
	assert.Equal(t, iface.AnyChannels, m.NumChannels)

	// the manifest file itself is accepted too
	_, _, err = ReadManifest(path)
	assert.NoError(t, err)
}

func TestDirLoaderResolvesAgainstRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nuclei"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nuclei", ManifestName), []byte(intensityManifest), 0o644))

	model, err := DirLoader{Root: root}.Load(context.Background(), "nuclei", iface.DeviceGPU)
	require.NoError(t, err)
	assert.Equal(t, "nuclei", model.Info().Name)
	assert.Equal(t, iface.DeviceGPU, model.Device())
	assert.NoError(t, model.Close())
}

func TestIntensityPredictor(t *testing.T) {
	model := NewIntensityModel(Manifest{ModelInfo: iface.ModelInfo{NumChannels: 2, OutputChannels: 2}, Threshold: 0.5}, iface.DeviceCPU)
	pred, err := model.NewPredictor()
	require.NoError(t, err)
	assert.Equal(t, 1, model.Open())
	assert.Error(t, model.Close())

	in := iface.NewTensor(2, 1, 3)
	copy(in.Data, []float32{0, 1, 1, 0, 0.5, 1})
	out, err := pred.Predict(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Channels)
	// means 0, 0.75, 1
	assert.Equal(t, []float32{0, 1, 1}, out.Plane(0))
	assert.Equal(t, []float32{0, 1, 1}, out.Plane(1))

	_, err = pred.Predict(context.Background(), iface.NewTensor(3, 1, 3))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	require.NoError(t, pred.Close())
	_, err = pred.Predict(context.Background(), in)
	assert.Error(t, err)
	assert.Equal(t, 0, model.Open())
	assert.NoError(t, model.Close())
}

// echoServer behaves like a remote inference server returning channel 0 unchanged.
func echoServer(t *testing.T, info iface.ModelInfo) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		in, err := DecodeTensor(req.Tensor)
		if err != nil {
			_ = json.NewEncoder(w).Encode(PredictResponse{Error: err.Error()})
			return
		}
		out := iface.NewTensor(1, in.Height, in.Width)
		copy(out.Data, in.ToLayout(iface.LayoutCHW).Plane(0))
		_ = json.NewEncoder(w).Encode(PredictResponse{Tensor: EncodeTensor(out)})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRemoteModel(t *testing.T) {
	srv := echoServer(t, iface.ModelInfo{Name: "remote-nuclei", InputWidth: 64, InputHeight: 64, NumChannels: 2, OutputChannels: 1})
	dir := writeManifest(t, "backend: remote\nurl: "+srv.URL+"\nlayout: HWC\n")

	model, err := DirLoader{}.Load(context.Background(), dir, iface.DeviceCPU)
	require.NoError(t, err)
	info := model.Info()
	assert.Equal(t, 64, info.InputWidth)
	assert.Equal(t, 2, info.NumChannels)
	assert.Equal(t, 1, info.OutputChannels)
	assert.Equal(t, iface.LayoutHWC, info.Layout)

	pred, err := model.NewPredictor()
	require.NoError(t, err)
	in := iface.NewTensor(2, 2, 2)
	copy(in.Data, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	out, err := pred.Predict(context.Background(), in.ToLayout(iface.LayoutHWC))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Data)

	require.NoError(t, pred.Close())
	assert.NoError(t, model.Close())
}

func TestRemoteModelLoadErrors(t *testing.T) {
	notFound := httptest.NewServer(http.NotFoundHandler())
	defer notFound.Close()
	_, err := DirLoader{}.Load(context.Background(), writeManifest(t, "backend: remote\nurl: "+notFound.URL), iface.DeviceCPU)
	assert.ErrorIs(t, err, errs.ErrModelNotFound)

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer garbage.Close()
	_, err = DirLoader{}.Load(context.Background(), writeManifest(t, "backend: remote\nurl: "+garbage.URL), iface.DeviceCPU)
	assert.ErrorIs(t, err, errs.ErrMalformedModel)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/info" {
			_, _ = w.Write([]byte(`{"name":"x"}`))
			return
		}
		http.Error(w, "gpu on fire", http.StatusInternalServerError)
	}))
	defer failing.Close()
	model, err := DirLoader{}.Load(context.Background(), writeManifest(t, "backend: remote\nurl: "+failing.URL), iface.DeviceCPU)
	require.NoError(t, err)
	pred, err := model.NewPredictor()
	require.NoError(t, err)
	defer pred.Close()
	_, err = pred.Predict(context.Background(), iface.NewTensor(1, 2, 2))
	assert.ErrorContains(t, err, "500")
}

func TestTensorWireRoundTrip(t *testing.T) {
	in := iface.NewTensor(1, 1, 3)
	copy(in.Data, []float32{-1.5, 0, 3.25})
	out, err := DecodeTensor(EncodeTensor(in))
	require.NoError(t, err)
	assert.Equal(t, in.Data, out.Data)

	_, err = DecodeTensor(WireTensor{Layout: "CHW", Channels: 1, Height: 1, Width: 2, Data: "AAAA"})
	assert.Error(t, err)
}
