package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TileSegServer/engine"
	"TileSegServer/engine/enginetest"
	"TileSegServer/errs"
	iface "TileSegServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestManager_All(t *testing.T) {
	m := NewManager(context.Background(), &Runner{}, 8)
	defer func() { _ = m.Shutdown(context.Background()) }()

	t.Run("Submit and wait", func(t *testing.T) {
		id, err := m.Submit(Request{Source: blobs(t), Model: &enginetest.Model{}, Config: runConfig()})
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		info, err := m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, info.Status)
		assert.Equal(t, 2, info.Objects)
		assert.Equal(t, "fake", info.Model)
		assert.False(t, info.Finished.IsZero())

		res, err := m.Result(id)
		require.NoError(t, err)
		assert.Len(t, res.Objects, 2)
	})

	t.Run("Subscribe", func(t *testing.T) {
		model := &enginetest.Model{Delay: 10 * time.Millisecond}
		id, err := m.Submit(Request{ID: "sub", Source: blobs(t), Model: model, Config: runConfig()})
		require.NoError(t, err)
		events, err := m.Subscribe(id)
		require.NoError(t, err)

		var last Progress
		for p := range events {
			last = p
		}
		assert.Equal(t, "sub", last.RunID)
		info, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, info.Status)

		// a finished run replays its last event
		again, err := m.Subscribe(id)
		require.NoError(t, err)
		p, ok := <-again
		assert.True(t, ok)
		assert.Equal(t, StageDone, p.Stage)
		_, ok = <-again
		assert.False(t, ok)
	})

	t.Run("Cancel", func(t *testing.T) {
		model := &enginetest.Model{Delay: 50 * time.Millisecond}
		id, err := m.Submit(Request{Source: blobs(t), Model: model, Config: runConfig()})
		require.NoError(t, err)
		require.NoError(t, m.Cancel(id))

		info, err := m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, info.Status)
		_, err = m.Result(id)
		assert.ErrorIs(t, err, errs.ErrCancelled)
		assert.Equal(t, 0, model.Open())
	})

	t.Run("Failed", func(t *testing.T) {
		cfg := runConfig()
		cfg.TileWidth = 0
		id, err := m.Submit(Request{Source: blobs(t), Model: &enginetest.Model{}, Config: cfg})
		require.NoError(t, err)
		info, err := m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, info.Status)
		assert.Contains(t, info.Error, "tile size")
	})

	t.Run("Unknown and duplicate", func(t *testing.T) {
		_, err := m.Status("nope")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.ErrorIs(t, m.Cancel("nope"), ErrRunNotFound)
		_, err = m.Subscribe("nope")
		assert.ErrorIs(t, err, ErrRunNotFound)

		_, err = m.Submit(Request{ID: "sub", Source: blobs(t), Model: &enginetest.Model{}, Config: runConfig()})
		assert.ErrorIs(t, err, errs.ErrInvalidConfiguration)
	})

	t.Run("List", func(t *testing.T) {
		runs := m.List()
		assert.GreaterOrEqual(t, len(runs), 4)
		for i := 1; i < len(runs); i++ {
			assert.False(t, runs[i].Created.After(runs[i-1].Created))
		}
		assert.Equal(t, 0, m.Active())
	})
}

func TestManagerEvictsFinished(t *testing.T) {
	m := NewManager(context.Background(), &Runner{}, 2)
	defer func() { _ = m.Shutdown(context.Background()) }()
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Submit(Request{Source: blobs(t), Model: &enginetest.Model{}, Config: runConfig()})
		require.NoError(t, err)
		_, err = m.Wait(waitCtx(t), id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Len(t, m.List(), 2)
	_, err := m.Status(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = m.Status(ids[3])
	assert.NoError(t, err)
}

func TestManagerShutdown(t *testing.T) {
	m := NewManager(context.Background(), &Runner{}, 8)
	model := &enginetest.Model{Delay: 50 * time.Millisecond}
	id, err := m.Submit(Request{Source: blobs(t), Model: model, Config: runConfig()})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(waitCtx(t)))
	info, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, info.Status)
	assert.Equal(t, 0, model.Open())

	_, err = m.Submit(Request{Source: blobs(t), Model: model, Config: runConfig()})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestManagerSubmitEngine(t *testing.T) {
	m := NewManager(context.Background(), &Runner{}, 8)
	defer func() { _ = m.Shutdown(context.Background()) }()

	e := &engine.Engine{}
	e.New("e1")
	_, err := m.SubmitEngine(e, Request{Source: blobs(t), Config: runConfig()})
	assert.ErrorIs(t, err, errs.ErrInvalidConfiguration, "no model loaded")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, engine.ManifestName), []byte("backend: intensity\nthreshold: 0.5\n"), 0o644))
	require.NoError(t, e.LoadModel(context.Background(), engine.DirLoader{}, dir, iface.DeviceCPU, 1))

	finished := make(chan struct{})
	id, err := m.SubmitEngine(e, Request{Source: blobs(t), Config: runConfig(), OnFinish: func(*Result, error) { close(finished) }})
	require.NoError(t, err)
	info, err := m.Wait(waitCtx(t), id)
	require.NoError(t, err)
	<-finished
	assert.Equal(t, StatusSucceeded, info.Status)
	assert.Equal(t, 2, info.Objects)
	assert.Equal(t, engine.IDLE, e.State)
	assert.NoError(t, e.Destroy())
}
