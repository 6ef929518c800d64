package proto

import (
	"TrackDetServer/engine"
	iface "TrackDetServer/interface"
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const serviceName = "trackdet.ClassifierService"

type InitRequest struct {
	Model     string `json:"model"`
	Precision string `json:"precision"`
}

type InitResponse struct {
	Success           bool   `json:"success"`
	Model             string `json:"model"`
	Precision         string `json:"precision"`
	ExecutionProvider string `json:"executionProvider"`
	Message           string `json:"message"`
}

// ClassifyBatchRequest carries an encoded image (PNG or JPEG) and the marker
// centers to classify on it.
type ClassifyBatchRequest struct {
	Image     []byte                    `json:"image"`
	Markers   map[string]iface.Position `json:"markers"`
	DPT       float64                   `json:"dpt"`
	Timestamp int64                     `json:"timestamp"`
}

type ClassifyBatchResponse struct {
	Results           map[string]string `json:"results"`
	InferenceTimeMs   float64           `json:"inferenceTimeMs"`
	ExecutionProvider string            `json:"executionProvider"`
	Timestamp         int64             `json:"timestamp"`
}

type EngineInfo struct {
	Loaded bool `json:"loaded"`
	engine.Info
}

type ClassifierServiceServer interface {
	Init(context.Context, *InitRequest) (*InitResponse, error)
	ClassifyBatch(context.Context, *ClassifyBatchRequest) (*ClassifyBatchResponse, error)
	CheckEngine(context.Context, *emptypb.Empty) (*EngineInfo, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req, Resp any](method string, call func(ClassifierServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ClassifierServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ClassifierServiceServer), ctx, req.(*Req))
			})
		},
	}
}

// ClassifierService_ServiceDesc is declared by hand and its messages travel
// through the "json" codec only. Clients must call with
// grpc.CallContentSubtype("json"), as ClassifierServiceClient does; a stub
// generated for the default proto codec cannot reach it.
var ClassifierService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClassifierServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Init", ClassifierServiceServer.Init),
		unary("ClassifyBatch", ClassifierServiceServer.ClassifyBatch),
		unary("CheckEngine", ClassifierServiceServer.CheckEngine),
		unary("Shutdown", ClassifierServiceServer.Shutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trackdet.proto",
}

func RegisterClassifierServiceServer(s grpc.ServiceRegistrar, srv ClassifierServiceServer) {
	s.RegisterService(&ClassifierService_ServiceDesc, srv)
}

type ClassifierServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewClassifierServiceClient(cc grpc.ClientConnInterface) *ClassifierServiceClient {
	return &ClassifierServiceClient{cc: cc}
}

func (c *ClassifierServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *ClassifierServiceClient) Init(ctx context.Context, in *InitRequest, opts ...grpc.CallOption) (*InitResponse, error) {
	out := new(InitResponse)
	if err := c.invoke(ctx, "Init", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClassifierServiceClient) ClassifyBatch(ctx context.Context, in *ClassifyBatchRequest, opts ...grpc.CallOption) (*ClassifyBatchResponse, error) {
	out := new(ClassifyBatchResponse)
	if err := c.invoke(ctx, "ClassifyBatch", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClassifierServiceClient) CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*EngineInfo, error) {
	out := new(EngineInfo)
	if err := c.invoke(ctx, "CheckEngine", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ClassifierServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.invoke(ctx, "Shutdown", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
