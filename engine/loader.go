package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const ManifestName = "model.yaml"

const (
	BackendRemote    = "remote"
	BackendIntensity = "intensity"
)

// Manifest is the model.yaml found in a model directory.
type Manifest struct {
	iface.ModelInfo `yaml:",inline"`
	Backend         string        `yaml:"backend"`
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	Threshold       float64       `yaml:"threshold"`
	ProbabilityMap  bool          `yaml:"probabilityMap"`
}

func (m *Manifest) validate() error {
	var err error
	if m.Layout, err = iface.ParseLayout(string(m.Layout)); err != nil {
		return err
	}
	if m.OutputLayout == "" {
		m.OutputLayout = m.Layout
	}
	if m.OutputLayout, err = iface.ParseLayout(string(m.OutputLayout)); err != nil {
		return err
	}
	if m.InputWidth < 0 || m.InputHeight < 0 || (m.InputWidth == 0) != (m.InputHeight == 0) {
		return fmt.Errorf("invalid input size %dx%d", m.InputWidth, m.InputHeight)
	}
	if m.NumChannels == 0 {
		m.NumChannels = iface.AnyChannels
	}
	if m.NumChannels < iface.AnyChannels {
		return fmt.Errorf("invalid numChannels %d", m.NumChannels)
	}
	if m.OutputChannels < 0 {
		return fmt.Errorf("invalid outputChannels %d", m.OutputChannels)
	}
	switch m.Backend {
	case BackendRemote:
		if m.URL == "" {
			return errors.New("remote backend needs url")
		}
	case BackendIntensity:
	default:
		return fmt.Errorf("unknown backend %q", m.Backend)
	}
	return nil
}

// ReadManifest accepts a model directory or the manifest file itself.
func ReadManifest(modelPath string) (Manifest, string, error) {
	if modelPath == "" {
		return Manifest{}, "", errs.ModelNotFound("(empty path)", nil)
	}
	path := modelPath
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, "", errs.ModelNotFound(modelPath, err)
		}
		return Manifest{}, "", fmt.Errorf("%w: %s: %w", errs.ErrModelLoad, modelPath, err)
	}
	if st.IsDir() {
		path = filepath.Join(path, ManifestName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, "", errs.ModelNotFound(path, err)
		}
		return Manifest{}, "", fmt.Errorf("%w: %s: %w", errs.ErrModelLoad, path, err)
	}
	m := Manifest{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, "", errs.MalformedModel(path, err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(filepath.Dir(path))
	}
	if err := m.validate(); err != nil {
		return Manifest{}, "", errs.MalformedModel(path, err)
	}
	return m, path, nil
}

// DirLoader loads models described by a model.yaml manifest.
// Relative paths are resolved against Root.
type DirLoader struct {
	Root string
}

func (l DirLoader) Resolve(modelPath string) string {
	if l.Root == "" || modelPath == "" || filepath.IsAbs(modelPath) {
		return modelPath
	}
	return filepath.Join(l.Root, modelPath)
}

func (l DirLoader) Load(ctx context.Context, modelPath string, device iface.Device) (iface.Model, error) {
	m, path, err := ReadManifest(l.Resolve(modelPath))
	if err != nil {
		return nil, err
	}
	var model iface.Model
	switch m.Backend {
	case BackendRemote:
		model, err = NewRemoteModel(ctx, m, device)
	case BackendIntensity:
		model = NewIntensityModel(m, device)
	}
	if err != nil {
		return nil, err
	}
	logger.Log().Info("model loaded",
		zap.String("name", model.Info().Name),
		zap.String("backend", m.Backend),
		zap.String("path", path),
		zap.String("device", string(device)))
	return model, nil
}
