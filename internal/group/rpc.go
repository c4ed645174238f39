package group

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "aligntrainer.group.Rendezvous"
	gatherMethod  = "/" + serviceName + "/Gather"
	receiveMethod = "/" + serviceName + "/Receive"
	abortMethod   = "/" + serviceName + "/Abort"
)

// RendezvousServer is the gRPC surface rank 0 exposes to the other ranks.
type RendezvousServer interface {
	Gather(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Receive(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error)
	Abort(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// #region server

// Server serves a Hub over gRPC.
type Server struct {
	hub *Hub
}

// NewServer wraps hub.
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// Register attaches the rendezvous service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&rendezvousDesc, s)
}

func (s *Server) Gather(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	round, rank, err := roundAndRank(req)
	if err != nil {
		return nil, err
	}
	if err := s.hub.Arrive(round, rank); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) Receive(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	round, _, err := roundAndRank(req)
	if err != nil {
		return nil, err
	}
	payload, err := s.hub.Await(ctx, round)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(payload), nil
}

func (s *Server) Abort(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rank := int(req.GetFields()["rank"].GetNumberValue())
	cause := req.GetFields()["cause"].GetStringValue()
	s.hub.Abort(fmt.Errorf("rank %d: %s", rank, cause))
	return &emptypb.Empty{}, nil
}

func roundAndRank(req *structpb.Struct) (uint64, int, error) {
	fields := req.GetFields()
	r, ok := fields["round"]
	if !ok {
		return 0, 0, status.Error(codes.InvalidArgument, "missing round")
	}
	round := r.GetNumberValue()
	if round < 0 || round != math.Trunc(round) {
		return 0, 0, status.Errorf(codes.InvalidArgument, "bad round %v", round)
	}
	return uint64(round), int(fields["rank"].GetNumberValue()), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, faults.ErrAborted):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, faults.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}

// #endregion server

// #region descriptor

func gatherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Gather(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatherMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RendezvousServer).Gather(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func receiveHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Receive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: receiveMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RendezvousServer).Receive(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RendezvousServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: abortMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RendezvousServer).Abort(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var rendezvousDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: gatherHandler},
		{MethodName: "Receive", Handler: receiveHandler},
		{MethodName: "Abort", Handler: abortHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "group/rendezvous",
}

// #endregion descriptor
