package proto

import (
	"context"
	"io"

	iface "TileSegServer/interface"
	"TileSegServer/service"
	"TileSegServer/task"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const ServiceName = "tileseg.SegmentService"

type InitEngineRequest struct {
	ModelPath     string `json:"modelPath"`
	Description   string `json:"description"`
	Device        string `json:"device"`
	NumPredictors int32  `json:"numPredictors"`
}

type InitEngineResponse struct {
	Success bool   `json:"success"`
	Id      string `json:"id"`
	Message string `json:"message"`
}

type EngineRequest struct {
	Id string `json:"id"`
}

type CheckEngineResponse struct {
	Success    bool                `json:"success"`
	EngineInfo *iface.EngineConfig `json:"engineInfo"`
	Message    string              `json:"message"`
}

type CheckAllEngineResponse struct {
	Success bool                 `json:"success"`
	Engines []iface.EngineConfig `json:"engines"`
	Message string               `json:"message"`
}

type DestroyEngineResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SegmentRequest = service.SegmentRequest

type SegmentResponse struct {
	Success bool         `json:"success"`
	Run     task.RunInfo `json:"run"`
	Result  *task.Result `json:"result,omitempty"`
	Message string       `json:"message"`
}

type RunRequest struct {
	RunId string `json:"runId"`
}

type RunResponse struct {
	Success bool         `json:"success"`
	Run     task.RunInfo `json:"run"`
	Message string       `json:"message"`
}

// UploadModelRequest carries the model and file name in the first message, chunks after.
type UploadModelRequest struct {
	Model string `json:"model,omitempty"`
	Name  string `json:"name,omitempty"`
	Chunk []byte `json:"chunk,omitempty"`
}

type UploadModelResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	FilePath string `json:"filePath"`
}

type SegmentServiceServer interface {
	InitEngine(context.Context, *InitEngineRequest) (*InitEngineResponse, error)
	CheckEngine(context.Context, *EngineRequest) (*CheckEngineResponse, error)
	CheckAllEngine(context.Context, *emptypb.Empty) (*CheckAllEngineResponse, error)
	DestroyEngine(context.Context, *EngineRequest) (*DestroyEngineResponse, error)
	Segment(context.Context, *SegmentRequest) (*SegmentResponse, error)
	CheckRun(context.Context, *RunRequest) (*RunResponse, error)
	CancelRun(context.Context, *RunRequest) (*RunResponse, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	WatchRun(*RunRequest, grpc.ServerStream) error
	UploadModel(grpc.ServerStream) error
}

func unary[Req any](call func(SegmentServiceServer, context.Context, *Req) (any, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SegmentServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SegmentServiceServer), ctx, req.(*Req))
			})
		},
	}
}

var SegmentService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SegmentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(func(s SegmentServiceServer, ctx context.Context, in *InitEngineRequest) (any, error) { return s.InitEngine(ctx, in) }, "InitEngine"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *EngineRequest) (any, error) { return s.CheckEngine(ctx, in) }, "CheckEngine"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) { return s.CheckAllEngine(ctx, in) }, "CheckAllEngine"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *EngineRequest) (any, error) { return s.DestroyEngine(ctx, in) }, "DestroyEngine"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *SegmentRequest) (any, error) { return s.Segment(ctx, in) }, "Segment"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *RunRequest) (any, error) { return s.CheckRun(ctx, in) }, "CheckRun"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *RunRequest) (any, error) { return s.CancelRun(ctx, in) }, "CancelRun"),
		unary(func(s SegmentServiceServer, ctx context.Context, in *emptypb.Empty) (any, error) { return s.Shutdown(ctx, in) }, "Shutdown"),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchRun",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(RunRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(SegmentServiceServer).WatchRun(in, stream)
			},
			ServerStreams: true,
		},
		{
			StreamName: "UploadModel",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(SegmentServiceServer).UploadModel(stream)
			},
			ClientStreams: true,
		},
	},
	Metadata: "segment.proto",
}

func RegisterSegmentServiceServer(s grpc.ServiceRegistrar, srv SegmentServiceServer) {
	s.RegisterService(&SegmentService_ServiceDesc, srv)
}

// SegmentServiceClient calls SegmentService over any connection using the json codec.
type SegmentServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSegmentServiceClient(cc grpc.ClientConnInterface) *SegmentServiceClient {
	return &SegmentServiceClient{cc: cc}
}

func (c *SegmentServiceClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *SegmentServiceClient) InitEngine(ctx context.Context, in *InitEngineRequest, opts ...grpc.CallOption) (*InitEngineResponse, error) {
	out := new(InitEngineResponse)
	return out, c.invoke(ctx, "InitEngine", in, out, opts...)
}

func (c *SegmentServiceClient) CheckEngine(ctx context.Context, in *EngineRequest, opts ...grpc.CallOption) (*CheckEngineResponse, error) {
	out := new(CheckEngineResponse)
	return out, c.invoke(ctx, "CheckEngine", in, out, opts...)
}

func (c *SegmentServiceClient) CheckAllEngine(ctx context.Context, opts ...grpc.CallOption) (*CheckAllEngineResponse, error) {
	out := new(CheckAllEngineResponse)
	return out, c.invoke(ctx, "CheckAllEngine", &emptypb.Empty{}, out, opts...)
}

func (c *SegmentServiceClient) DestroyEngine(ctx context.Context, in *EngineRequest, opts ...grpc.CallOption) (*DestroyEngineResponse, error) {
	out := new(DestroyEngineResponse)
	return out, c.invoke(ctx, "DestroyEngine", in, out, opts...)
}

func (c *SegmentServiceClient) Segment(ctx context.Context, in *SegmentRequest, opts ...grpc.CallOption) (*SegmentResponse, error) {
	out := new(SegmentResponse)
	return out, c.invoke(ctx, "Segment", in, out, opts...)
}

func (c *SegmentServiceClient) CheckRun(ctx context.Context, in *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	return out, c.invoke(ctx, "CheckRun", in, out, opts...)
}

func (c *SegmentServiceClient) CancelRun(ctx context.Context, in *RunRequest, opts ...grpc.CallOption) (*RunResponse, error) {
	out := new(RunResponse)
	return out, c.invoke(ctx, "CancelRun", in, out, opts...)
}

func (c *SegmentServiceClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Shutdown", &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

// WatchRun calls fn for every progress event until the run ends.
func (c *SegmentServiceClient) WatchRun(ctx context.Context, in *RunRequest, fn func(task.Progress), opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &SegmentService_ServiceDesc.Streams[0], "/"+ServiceName+"/WatchRun", opts...)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var p task.Progress
		if err := stream.RecvMsg(&p); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fn(p)
	}
}

// UploadModel streams r as ModelDir/<model>/<name> in chunks of chunkSize bytes.
func (c *SegmentServiceClient) UploadModel(ctx context.Context, model, name string, r io.Reader, chunkSize int, opts ...grpc.CallOption) (*UploadModelResponse, error) {
	if chunkSize <= 0 {
		chunkSize = 64 << 10
	}
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &SegmentService_ServiceDesc.Streams[1], "/"+ServiceName+"/UploadModel", opts...)
	if err != nil {
		return nil, err
	}
	out := new(UploadModelResponse)
	send := func(m *UploadModelRequest) error {
		err := stream.SendMsg(m)
		if err == io.EOF {
			// the server ended the stream, the status comes with RecvMsg
			if rerr := stream.RecvMsg(out); rerr != nil {
				return rerr
			}
		}
		return err
	}
	if err := send(&UploadModelRequest{Model: model, Name: name}); err != nil {
		return nil, err
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := send(&UploadModelRequest{Chunk: append([]byte(nil), buf[:n]...)}); err != nil {
				return nil, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, rerr
		}
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	if err := stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}
