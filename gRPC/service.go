package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

const serviceName = "aruco.PoseService"

// PoseServiceServer is the server API for the pose service.
type PoseServiceServer interface {
	RegisterMarker(context.Context, *RegisterMarkerRequest) (*RegisterMarkerResponse, error)
	RemoveMarker(context.Context, *RemoveMarkerRequest) (*RemoveMarkerResponse, error)
	ListMarkers(context.Context, *emptypb.Empty) (*ListMarkersResponse, error)
	SetCalibration(context.Context, *CalibrationRequest) (*CalibrationResponse, error)
	LatestPose(context.Context, *emptypb.Empty) (*Pose, error)
	ProcessFrame(context.Context, *FrameRequest) (*Pose, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	StreamPoses(*StreamRequest, PoseService_StreamPosesServer) error
}

type PoseService_StreamPosesServer interface {
	Send(*Pose) error
	grpc.ServerStream
}

type streamPosesServer struct {
	grpc.ServerStream
}

func (x *streamPosesServer) Send(m *Pose) error {
	return x.ServerStream.SendMsg(m)
}

func unary[Req any, Resp any](call func(PoseServiceServer, context.Context, *Req) (*Resp, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PoseServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(PoseServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var PoseService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PoseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(PoseServiceServer.RegisterMarker, "RegisterMarker"),
		unary(PoseServiceServer.RemoveMarker, "RemoveMarker"),
		unary(PoseServiceServer.ListMarkers, "ListMarkers"),
		unary(PoseServiceServer.SetCalibration, "SetCalibration"),
		unary(PoseServiceServer.LatestPose, "LatestPose"),
		unary(PoseServiceServer.ProcessFrame, "ProcessFrame"),
		unary(PoseServiceServer.Shutdown, "Shutdown"),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "StreamPoses",
			Handler: func(srv any, stream grpc.ServerStream) error {
				m := new(StreamRequest)
				if err := stream.RecvMsg(m); err != nil {
					return err
				}
				return srv.(PoseServiceServer).StreamPoses(m, &streamPosesServer{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "pose.proto",
}

func RegisterPoseServiceServer(s grpc.ServiceRegistrar, srv PoseServiceServer) {
	s.RegisterService(&PoseService_ServiceDesc, srv)
}

// PoseServiceClient calls the pose service with the JSON codec.
type PoseServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPoseServiceClient(cc grpc.ClientConnInterface) *PoseServiceClient {
	return &PoseServiceClient{cc: cc}
}

func (c *PoseServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...)
}

func (c *PoseServiceClient) RegisterMarker(ctx context.Context, in *RegisterMarkerRequest, opts ...grpc.CallOption) (*RegisterMarkerResponse, error) {
	out := new(RegisterMarkerResponse)
	return out, c.invoke(ctx, "RegisterMarker", in, out, opts)
}

func (c *PoseServiceClient) RemoveMarker(ctx context.Context, in *RemoveMarkerRequest, opts ...grpc.CallOption) (*RemoveMarkerResponse, error) {
	out := new(RemoveMarkerResponse)
	return out, c.invoke(ctx, "RemoveMarker", in, out, opts)
}

func (c *PoseServiceClient) ListMarkers(ctx context.Context, opts ...grpc.CallOption) (*ListMarkersResponse, error) {
	out := new(ListMarkersResponse)
	return out, c.invoke(ctx, "ListMarkers", &emptypb.Empty{}, out, opts)
}

func (c *PoseServiceClient) SetCalibration(ctx context.Context, in *CalibrationRequest, opts ...grpc.CallOption) (*CalibrationResponse, error) {
	out := new(CalibrationResponse)
	return out, c.invoke(ctx, "SetCalibration", in, out, opts)
}

func (c *PoseServiceClient) LatestPose(ctx context.Context, opts ...grpc.CallOption) (*Pose, error) {
	out := new(Pose)
	return out, c.invoke(ctx, "LatestPose", &emptypb.Empty{}, out, opts)
}

func (c *PoseServiceClient) ProcessFrame(ctx context.Context, in *FrameRequest, opts ...grpc.CallOption) (*Pose, error) {
	out := new(Pose)
	return out, c.invoke(ctx, "ProcessFrame", in, out, opts)
}

func (c *PoseServiceClient) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.invoke(ctx, "Shutdown", &emptypb.Empty{}, &emptypb.Empty{}, opts)
}

type PoseStreamClient struct {
	grpc.ClientStream
}

func (x *PoseStreamClient) Recv() (*Pose, error) {
	m := new(Pose)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *PoseServiceClient) StreamPoses(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (*PoseStreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &PoseService_ServiceDesc.Streams[0], "/"+serviceName+"/StreamPoses", opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &PoseStreamClient{stream}, nil
}
