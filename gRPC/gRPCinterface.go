package proto

import (
	"ArucoPoseServer/engine"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"ArucoPoseServer/monitor"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type RegisterMarkerRequest struct {
	Marker iface.MarkerEvent `json:"marker"`
}

type RegisterMarkerResponse struct {
	Success  bool   `json:"success"`
	Replaced bool   `json:"replaced"`
	Message  string `json:"message"`
}

type RemoveMarkerRequest struct {
	Id int32 `json:"id"`
}

type RemoveMarkerResponse struct {
	Success bool   `json:"success"`
	Removed bool   `json:"removed"`
	Message string `json:"message"`
}

type ListMarkersResponse struct {
	Markers []iface.MarkerEvent `json:"markers"`
}

type CalibrationRequest struct {
	K [9]float64 `json:"k"`
	D [5]float64 `json:"d"`
}

type CalibrationResponse struct {
	Applied    bool       `json:"applied"`
	Calibrated bool       `json:"calibrated"`
	K          [9]float64 `json:"k"`
	D          [5]float64 `json:"d"`
}

type FrameRequest struct {
	ImgData []byte `json:"imgData"`
}

type StreamRequest struct {
	// VisibleOnly skips frames without a pose.
	VisibleOnly bool `json:"visibleOnly"`
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Pose struct {
	Seq         uint64                 `json:"seq"`
	Visible     bool                   `json:"visible"`
	FrameId     string                 `json:"frameId"`
	Stamp       *timestamppb.Timestamp `json:"stamp"`
	Position    Vector3                `json:"position"`
	Rotation    Vector3                `json:"rotation"`
	Orientation Quaternion             `json:"orientation"`
	Markers     []int32                `json:"markers"`
}

func NewPose(est iface.PoseEstimate) *Pose {
	p := &Pose{
		Seq:      est.Seq,
		Visible:  est.Visible,
		FrameId:  est.FrameID,
		Position: Vector3{X: est.Position.X, Y: est.Position.Y, Z: est.Position.Z},
		Rotation: Vector3{X: est.Rotation.X, Y: est.Rotation.Y, Z: est.Rotation.Z},
		Orientation: Quaternion{
			X: est.Orientation.Imag, Y: est.Orientation.Jmag,
			Z: est.Orientation.Kmag, W: est.Orientation.Real,
		},
		Markers: make([]int32, len(est.Markers)),
	}
	if !est.Stamp.IsZero() {
		p.Stamp = timestamppb.New(est.Stamp)
	}
	for i, id := range est.Markers {
		p.Markers[i] = int32(id)
	}
	return p
}

// Control is the part of the pipeline the RPC surface drives.
type Control interface {
	RegisterMarker(ev iface.MarkerEvent) bool
	RemoveMarker(id int) bool
	Markers() []iface.MarkerEvent
	ApplyCalibration(info iface.CameraInfo) bool
	Calibration() (iface.CameraInfo, bool)
	Latest() iface.PoseEstimate
}

type FrameSubmitter interface {
	Submit(ctx context.Context, frame iface.Frame) (iface.PoseEstimate, error)
}

// Broadcaster hands every estimate to the open StreamPoses calls.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]chan iface.PoseEstimate
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]chan iface.PoseEstimate)}
}

func (b *Broadcaster) Publish(est iface.PoseEstimate) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- est:
		default:
			logger.Log().Debug("Pose stream behind, estimate dropped", zap.String("ID", id))
		}
	}
}

func (b *Broadcaster) subscribe() (string, <-chan iface.PoseEstimate) {
	id := uuid.New().String()
	ch := make(chan iface.PoseEstimate, 8)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Broadcaster) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type Server struct {
	control Control
	runner  FrameSubmitter
	streams *Broadcaster

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(control Control, runner FrameSubmitter, streams *Broadcaster) *Server {
	return &Server{
		control: control,
		runner:  runner,
		streams: streams,
		closed:  make(chan struct{}),
	}
}

// Done is closed once a client asks the service to shut down.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}

func (s *Server) RegisterMarker(ctx context.Context, req *RegisterMarkerRequest) (*RegisterMarkerResponse, error) {
	monitor.GRPCTotal.Inc()
	if req.Marker.Size <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "marker size must be positive, got %f", req.Marker.Size)
	}
	replaced := s.control.RegisterMarker(req.Marker)
	msg := fmt.Sprintf("Marker %d added", req.Marker.ID)
	if replaced {
		msg = fmt.Sprintf("Marker %d already existed, was replaced", req.Marker.ID)
	}
	return &RegisterMarkerResponse{Success: true, Replaced: replaced, Message: msg}, nil
}

func (s *Server) RemoveMarker(ctx context.Context, req *RemoveMarkerRequest) (*RemoveMarkerResponse, error) {
	monitor.GRPCTotal.Inc()
	removed := s.control.RemoveMarker(int(req.Id))
	msg := fmt.Sprintf("Marker %d removed", req.Id)
	if !removed {
		msg = fmt.Sprintf("Marker %d not registered", req.Id)
	}
	return &RemoveMarkerResponse{Success: true, Removed: removed, Message: msg}, nil
}

func (s *Server) ListMarkers(ctx context.Context, _ *emptypb.Empty) (*ListMarkersResponse, error) {
	monitor.GRPCTotal.Inc()
	return &ListMarkersResponse{Markers: s.control.Markers()}, nil
}

func (s *Server) SetCalibration(ctx context.Context, req *CalibrationRequest) (*CalibrationResponse, error) {
	monitor.GRPCTotal.Inc()
	applied := s.control.ApplyCalibration(iface.CameraInfo{K: req.K, D: req.D})
	info, calibrated := s.control.Calibration()
	return &CalibrationResponse{Applied: applied, Calibrated: calibrated, K: info.K, D: info.D}, nil
}

func (s *Server) LatestPose(ctx context.Context, _ *emptypb.Empty) (*Pose, error) {
	monitor.GRPCTotal.Inc()
	return NewPose(s.control.Latest()), nil
}

func (s *Server) ProcessFrame(ctx context.Context, req *FrameRequest) (*Pose, error) {
	monitor.GRPCTotal.Inc()
	if len(req.ImgData) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty frame")
	}
	est, err := s.runner.Submit(ctx, iface.Frame{Data: req.ImgData, Source: "grpc", Received: time.Now()})
	switch {
	case errors.Is(err, engine.ErrFrameDecode):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrRunnerClosed):
		return nil, status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return NewPose(est), nil
}

func (s *Server) StreamPoses(req *StreamRequest, stream PoseService_StreamPosesServer) error {
	monitor.GRPCTotal.Inc()
	id, ch := s.streams.subscribe()
	defer s.streams.unsubscribe(id)
	logger.Log().Info("Pose stream opened", zap.String("ID", id))
	for {
		select {
		case <-stream.Context().Done():
			logger.Log().Info("Pose stream closed", zap.String("ID", id))
			return nil
		case <-s.closed:
			return status.Error(codes.Unavailable, "server shutting down")
		case est := <-ch:
			if req.VisibleOnly && !est.Visible {
				continue
			}
			if err := stream.Send(NewPose(est)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	s.closeOnce.Do(func() {
		logger.Log().Warn("Shutdown requested over gRPC")
		close(s.closed)
	})
	return &emptypb.Empty{}, nil
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	RegisterPoseServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
