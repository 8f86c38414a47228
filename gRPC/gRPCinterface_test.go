package proto

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"TileSegServer/config"
	"TileSegServer/engine"
	iface "TileSegServer/interface"
	"TileSegServer/service"
	"TileSegServer/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func square() *engine.WireTensor {
	t := iface.NewTensor(1, 64, 64)
	for y := 20; y < 30; y++ {
		for x := 20; x < 30; x++ {
			t.Set(0, y, x, 1)
		}
	}
	w := engine.EncodeTensor(t)
	return &w
}

func startServer(t *testing.T) (*SegmentServiceClient, *Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "blob"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob", engine.ManifestName), []byte("backend: intensity\n"), 0o644))

	defaults := config.DefaultRun()
	defaults.TileWidth, defaults.TileHeight, defaults.Padding = 32, 32, 4
	defaults.Preprocessing = nil
	svc := &service.Service{
		Engines:  engine.NewRegistry(engine.DirLoader{Root: root}),
		Runs:     task.NewManager(context.Background(), &task.Runner{}, 16),
		Defaults: defaults,
		ModelDir: root,
	}
	srv := NewServer(svc)
	gs := NewGRPCServer(srv)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		gs.Stop()
		_ = svc.Shutdown(context.Background())
	})
	return NewSegmentServiceClient(conn), srv, root
}

func TestSegmentService(t *testing.T) {
	client, srv, root := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var engineID string
	t.Run("Test InitEngine", func(t *testing.T) {
		resp, err := client.InitEngine(ctx, &InitEngineRequest{ModelPath: "blob", Description: "blob detector", Device: "cpu", NumPredictors: 2})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		engineID = resp.Id

		_, err = client.InitEngine(ctx, &InitEngineRequest{ModelPath: "missing"})
		assert.Equal(t, codes.NotFound, status.Code(err))
		_, err = client.InitEngine(ctx, &InitEngineRequest{ModelPath: "blob", Device: "tpu"})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test CheckEngine", func(t *testing.T) {
		resp, err := client.CheckEngine(ctx, &EngineRequest{Id: engineID})
		require.NoError(t, err)
		assert.Equal(t, "blob detector", resp.EngineInfo.Description)
		assert.Equal(t, 2, resp.EngineInfo.NumPredictors)
		assert.Equal(t, "blob", resp.EngineInfo.Info.Name)

		all, err := client.CheckAllEngine(ctx)
		require.NoError(t, err)
		assert.Len(t, all.Engines, 1)

		_, err = client.CheckEngine(ctx, &EngineRequest{Id: "nope"})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Test Segment", func(t *testing.T) {
		resp, err := client.Segment(ctx, &SegmentRequest{EngineID: engineID, Pixels: square(), Wait: true})
		require.NoError(t, err)
		assert.Equal(t, task.StatusSucceeded, resp.Run.Status)
		require.NotNil(t, resp.Result)
		require.Len(t, resp.Result.Objects, 1)
		assert.Equal(t, 100, resp.Result.Objects[0].Mask.Area())

		_, err = client.Segment(ctx, &SegmentRequest{EngineID: engineID})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test async run", func(t *testing.T) {
		resp, err := client.Segment(ctx, &SegmentRequest{EngineID: engineID, RunID: "async-1", Pixels: square()})
		require.NoError(t, err)
		assert.Equal(t, "async-1", resp.Run.ID)

		var events []task.Progress
		require.NoError(t, client.WatchRun(ctx, &RunRequest{RunId: "async-1"}, func(p task.Progress) { events = append(events, p) }))
		require.NotEmpty(t, events)
		assert.Equal(t, task.StageDone, events[len(events)-1].Stage)

		run, err := client.CheckRun(ctx, &RunRequest{RunId: "async-1"})
		require.NoError(t, err)
		assert.Equal(t, task.StatusSucceeded, run.Run.Status)
		assert.Equal(t, 1, run.Run.Objects)

		_, err = client.CancelRun(ctx, &RunRequest{RunId: "nope"})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Test UploadModel", func(t *testing.T) {
		resp, err := client.UploadModel(ctx, "uploaded", engine.ManifestName, strings.NewReader("backend: intensity\nthreshold: 0.4\n"), 8)
		require.NoError(t, err)
		assert.True(t, resp.Success)
		data, err := os.ReadFile(filepath.Join(root, "uploaded", engine.ManifestName))
		require.NoError(t, err)
		assert.Equal(t, "backend: intensity\nthreshold: 0.4\n", string(data))

		_, err = client.UploadModel(ctx, "../x", "model.yaml", strings.NewReader("x"), 0)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Test DestroyEngine", func(t *testing.T) {
		_, err := client.DestroyEngine(ctx, &EngineRequest{Id: engineID})
		require.NoError(t, err)
		_, err = client.DestroyEngine(ctx, &EngineRequest{Id: engineID})
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Test Shutdown", func(t *testing.T) {
		require.NoError(t, client.Shutdown(ctx))
		select {
		case <-srv.CloseChannel:
		case <-time.After(time.Second):
			t.Fatal("CloseChannel not closed")
		}
		require.NoError(t, client.Shutdown(ctx))
	})
}
