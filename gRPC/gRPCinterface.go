package proto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"TileSegServer/engine"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/monitor"
	"TileSegServer/service"
	"TileSegServer/task"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

type Server struct {
	Service *service.Service
	// CloseChannel is closed once a client asks the server to shut down.
	CloseChannel chan struct{}
	closeOnce    sync.Once
}

func NewServer(svc *service.Service) *Server {
	return &Server{Service: svc, CloseChannel: make(chan struct{})}
}

// toStatus maps error kinds onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, errs.ErrCancelled), errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, errs.ErrInvalidConfiguration), errors.Is(err, errs.ErrMalformedModel):
		code = codes.InvalidArgument
	case errors.Is(err, errs.ErrModelNotFound), errors.Is(err, engine.ErrEngineNotFound), errors.Is(err, task.ErrRunNotFound):
		code = codes.NotFound
	case errors.Is(err, errs.ErrResourceExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, errs.ErrTilePrediction), errors.Is(err, errs.ErrShapeMismatch):
		code = codes.Aborted
	case errors.Is(err, task.ErrShutdown):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

func (s *Server) InitEngine(ctx context.Context, req *InitEngineRequest) (*InitEngineResponse, error) {
	device, err := iface.ParseDevice(req.Device)
	if err != nil {
		return nil, toStatus(errs.Invalid("%v", err))
	}
	n := int(req.NumPredictors)
	if n <= 0 {
		n = s.Service.Defaults.NumPredictors
	}
	e, err := s.Service.Engines.Init(ctx, req.ModelPath, req.Description, device, n)
	if err != nil {
		return nil, toStatus(err)
	}
	return &InitEngineResponse{
		Success: true,
		Id:      e.ID,
		Message: "Successfully initialized engine",
	}, nil
}

func (s *Server) CheckEngine(ctx context.Context, req *EngineRequest) (*CheckEngineResponse, error) {
	e, err := s.Service.Engines.Get(req.Id)
	if err != nil {
		return nil, toStatus(err)
	}
	cfg := e.CheckConfig()
	return &CheckEngineResponse{
		Success:    true,
		EngineInfo: &cfg,
		Message:    "Engine status retrieved successfully",
	}, nil
}

func (s *Server) CheckAllEngine(ctx context.Context, _ *emptypb.Empty) (*CheckAllEngineResponse, error) {
	return &CheckAllEngineResponse{
		Success: true,
		Engines: s.Service.Engines.List(),
		Message: "All engines status retrieved successfully",
	}, nil
}

func (s *Server) DestroyEngine(ctx context.Context, req *EngineRequest) (*DestroyEngineResponse, error) {
	if err := s.Service.Engines.Destroy(req.Id); err != nil {
		return nil, toStatus(err)
	}
	return &DestroyEngineResponse{
		Success: true,
		Message: "Engine destroyed successfully",
	}, nil
}

func (s *Server) Segment(ctx context.Context, req *SegmentRequest) (*SegmentResponse, error) {
	info, res, err := s.Service.Segment(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SegmentResponse{Success: true, Run: info, Result: res, Message: string(info.Status)}, nil
}

func (s *Server) CheckRun(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	info, err := s.Service.Runs.Status(req.RunId)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RunResponse{Success: true, Run: info, Message: string(info.Status)}, nil
}

func (s *Server) CancelRun(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	if err := s.Service.Runs.Cancel(req.RunId); err != nil {
		return nil, toStatus(err)
	}
	info, err := s.Service.Runs.Status(req.RunId)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RunResponse{Success: true, Run: info, Message: "Cancellation requested"}, nil
}

func (s *Server) WatchRun(req *RunRequest, stream grpc.ServerStream) error {
	events, err := s.Service.Runs.Subscribe(req.RunId)
	if err != nil {
		return toStatus(err)
	}
	for {
		select {
		case p, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(&p); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return toStatus(stream.Context().Err())
		}
	}
}

func (s *Server) UploadModel(stream grpc.ServerStream) error {
	var (
		outFile  *os.File
		filePath string
		fileSize int
	)
	defer func() {
		if outFile != nil {
			_ = outFile.Close()
		}
	}()
	for {
		req := new(UploadModelRequest)
		err := stream.RecvMsg(req)
		if err == io.EOF {
			if outFile == nil {
				return status.Error(codes.InvalidArgument, "no file info received")
			}
			if err := outFile.Close(); err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			outFile = nil
			logger.Log().Info("model file uploaded", zap.String("path", filePath), zap.Int("bytes", fileSize))
			return stream.SendMsg(&UploadModelResponse{
				Success:  true,
				Message:  "File uploaded successfully",
				FilePath: filePath,
			})
		}
		if err != nil {
			return err
		}
		switch {
		case req.Name != "":
			if outFile != nil {
				return status.Error(codes.InvalidArgument, "file info sent twice")
			}
			outFile, filePath, err = s.Service.CreateModelFile(req.Model, req.Name)
			if err != nil {
				return toStatus(err)
			}
		case len(req.Chunk) > 0:
			if outFile == nil {
				return status.Error(codes.InvalidArgument, "file not opened, please send file info first")
			}
			n, writeErr := outFile.Write(req.Chunk)
			if writeErr != nil {
				return status.Error(codes.Internal, fmt.Sprintf("failed to write chunk data: %v", writeErr))
			}
			fileSize += n
		}
	}
}

// Shutdown returns immediately, the owner waits on CloseChannel and stops the server.
func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	logger.Log().Warn("Shutdown requested over gRPC")
	s.closeOnce.Do(func() { close(s.CloseChannel) })
	return &emptypb.Empty{}, nil
}

func countCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.GRPCTotal.Inc()
	start := time.Now()
	resp, err := handler(ctx, req)
	logger.Log().Debug("rpc", zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start)), zap.Error(err))
	return resp, err
}

func countStreams(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	monitor.GRPCTotal.Inc()
	return handler(srv, ss)
}

func NewGRPCServer(s *Server) *grpc.Server {
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(countCalls),
		grpc.ChainStreamInterceptor(countStreams),
	)
	RegisterSegmentServiceServer(gs, s)
	return gs
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, s *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %s: %w", addr, err)
	}
	gs := NewGRPCServer(s)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := gs.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return gs, nil
}
