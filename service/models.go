package service

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"TileSegServer/errs"
	"TileSegServer/logger"

	"go.uber.org/zap"
)

func cleanName(kind, name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if name == "" || base != strings.TrimSpace(name) || base == "." || base == ".." {
		return "", errs.Invalid("invalid %s name %q", kind, name)
	}
	return base, nil
}

// CreateModelFile opens ModelDir/<model>/<file> for writing, creating the model directory.
func (s *Service) CreateModelFile(model, file string) (*os.File, string, error) {
	m, err := cleanName("model", model)
	if err != nil {
		return nil, "", err
	}
	f, err := cleanName("file", file)
	if err != nil {
		return nil, "", err
	}
	dir := filepath.Join(s.ModelDir, m)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create model dir: %w", err)
	}
	path := filepath.Join(dir, f)
	out, err := os.Create(path)
	if err != nil {
		return nil, "", err
	}
	return out, path, nil
}

// SaveModelFile copies r into the model directory and returns the written path.
func (s *Service) SaveModelFile(model, file string, r io.Reader) (string, error) {
	out, path, err := s.CreateModelFile(model, file)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write model file: %w", err)
	}
	logger.Log().Info("model file uploaded", zap.String("path", path), zap.Int64("bytes", n))
	return path, nil
}
