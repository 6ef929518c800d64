package proto

import (
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"TrackDetServer/worker"
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

type Decoder func([]byte) (*frame.Frame, error)

// Server answers ClassifierService calls with one dedicated worker. The
// service is the only reader of the worker's replies; worker.Call serializes
// the calls and drops replies of calls whose client gave up.
type Server struct {
	decode   Decoder
	worker   *worker.Worker
	shutdown func()
}

func NewServer(w *worker.Worker, decode Decoder, shutdown func()) *Server {
	return &Server{decode: decode, worker: w, shutdown: shutdown}
}

func (s *Server) call(ctx context.Context, msg worker.Message) (worker.Message, error) {
	reply, err := s.worker.Call(ctx, msg)
	if err != nil {
		if errors.Is(err, worker.ErrClosed) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	return reply, nil
}

func (s *Server) Init(ctx context.Context, req *InitRequest) (*InitResponse, error) {
	monitor.GRPCTotal.Inc()
	if req.Model == "" {
		return nil, status.Error(codes.InvalidArgument, "model cannot be empty")
	}
	reply, err := s.call(ctx, worker.Init{Model: req.Model, Precision: iface.Precision(req.Precision)})
	if err != nil {
		return nil, err
	}
	switch m := reply.(type) {
	case worker.InitOK:
		logger.Log().Info("Initialized classifier", zap.String("model", m.Model),
			zap.String("precision", string(m.Precision)), zap.String("provider", string(m.ExecutionProvider)))
		return &InitResponse{
			Success:           true,
			Model:             m.Model,
			Precision:         string(m.Precision),
			ExecutionProvider: string(m.ExecutionProvider),
			Message:           "Successfully initialized classifier",
		}, nil
	case worker.ErrorMsg:
		logger.Log().Error("classifier init failed", zap.String("model", req.Model), zap.String("error", m.Error))
		return nil, status.Error(codes.FailedPrecondition, m.Error)
	default:
		return nil, status.Errorf(codes.Internal, "unexpected reply %s", reply.Kind())
	}
}

func (s *Server) ClassifyBatch(ctx context.Context, req *ClassifyBatchRequest) (*ClassifyBatchResponse, error) {
	monitor.GRPCTotal.Inc()
	if len(req.Image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "image cannot be empty")
	}
	f, err := s.decode(req.Image)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}
	msg, err := worker.NewClassifyBatch(f, req.Markers, req.DPT, req.Timestamp)
	if err != nil {
		f.Release()
		return nil, status.Error(codes.Internal, err.Error())
	}
	reply, err := s.call(ctx, msg)
	if err != nil {
		return nil, err
	}
	switch m := reply.(type) {
	case worker.Results:
		return &ClassifyBatchResponse{
			Results:           m.Results,
			InferenceTimeMs:   m.InferenceTimeMs,
			ExecutionProvider: string(m.ExecutionProvider),
			Timestamp:         m.Timestamp,
		}, nil
	case worker.ErrorMsg:
		return nil, status.Error(codes.FailedPrecondition, m.Error)
	default:
		return nil, status.Errorf(codes.Internal, "unexpected reply %s", reply.Kind())
	}
}

func (s *Server) CheckEngine(ctx context.Context, req *emptypb.Empty) (*EngineInfo, error) {
	monitor.GRPCTotal.Inc()
	info, ok := s.worker.Info()
	return &EngineInfo{Loaded: ok, Info: info}, nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	logger.Log().Warn("Shutdown requested over gRPC")
	if s.shutdown != nil {
		// GracefulStop waits for this call, so the stop must not block it.
		go s.shutdown()
	}
	return &emptypb.Empty{}, nil
}

// Serve runs srv on lis until ctx ends, then stops gracefully.
func Serve(ctx context.Context, lis net.Listener, srv *Server) error {
	s := grpc.NewServer()
	RegisterClassifierServiceServer(s, srv)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.GracefulStop()
		<-errCh
		return nil
	}
}

func StartGRPCServer(ctx context.Context, port int, srv *Server) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	logger.Log().Info("gRPC server listening", zap.Int("port", port))
	return Serve(ctx, lis, srv)
}
