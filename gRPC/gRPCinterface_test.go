package proto

import (
	"ArucoPoseServer/engine"
	iface "ArucoPoseServer/interface"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type mockControl struct {
	mu         sync.Mutex
	markers    map[int]iface.MarkerEvent
	calibrated bool
	info       iface.CameraInfo
	latest     iface.PoseEstimate
}

func (m *mockControl) RegisterMarker(ev iface.MarkerEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.markers[ev.ID]
	m.markers[ev.ID] = ev
	return ok
}

func (m *mockControl) RemoveMarker(id int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.markers[id]
	delete(m.markers, id)
	return ok
}

func (m *mockControl) Markers() []iface.MarkerEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]iface.MarkerEvent, 0, len(m.markers))
	for _, ev := range m.markers {
		out = append(out, ev)
	}
	return out
}

func (m *mockControl) ApplyCalibration(info iface.CameraInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calibrated {
		return false
	}
	m.calibrated, m.info = true, info
	return true
}

func (m *mockControl) Calibration() (iface.CameraInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, m.calibrated
}

func (m *mockControl) Latest() iface.PoseEstimate { return m.latest }

type mockRunner struct {
	est iface.PoseEstimate
	err error
}

func (r *mockRunner) Submit(_ context.Context, frame iface.Frame) (iface.PoseEstimate, error) {
	return r.est, r.err
}

func startBufServer(t *testing.T, srv *Server) *PoseServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterPoseServiceServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewPoseServiceClient(conn)
}

func TestPoseService(t *testing.T) {
	control := &mockControl{markers: map[int]iface.MarkerEvent{}}
	stamp := time.Date(2024, 1, 1, 12, 0, 0, 500, time.UTC)
	control.latest = iface.PoseEstimate{
		Seq: 4, Visible: true, FrameID: "aruco", Stamp: stamp,
		Position: r3.Vec{X: 1, Y: 2, Z: 3}, Orientation: quat.Number{Real: 1}, Markers: []int{7},
	}
	runner := &mockRunner{est: iface.PoseEstimate{Seq: 5, Visible: true, Position: r3.Vec{Z: -1}}}
	client := startBufServer(t, NewServer(control, runner, NewBroadcaster()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("markers", func(t *testing.T) {
		resp, err := client.RegisterMarker(ctx, &RegisterMarkerRequest{Marker: iface.MarkerEvent{ID: 7, Size: 0.1, PosX: 1}})
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.False(t, resp.Replaced)
		resp, err = client.RegisterMarker(ctx, &RegisterMarkerRequest{Marker: iface.MarkerEvent{ID: 7, Size: 0.2}})
		require.NoError(t, err)
		assert.True(t, resp.Replaced)

		list, err := client.ListMarkers(ctx)
		require.NoError(t, err)
		require.Len(t, list.Markers, 1)
		assert.Equal(t, 0.2, list.Markers[0].Size)

		rm, err := client.RemoveMarker(ctx, &RemoveMarkerRequest{Id: 7})
		require.NoError(t, err)
		assert.True(t, rm.Removed)
		rm, err = client.RemoveMarker(ctx, &RemoveMarkerRequest{Id: 7})
		require.NoError(t, err)
		assert.False(t, rm.Removed)

		_, err = client.RegisterMarker(ctx, &RegisterMarkerRequest{Marker: iface.MarkerEvent{ID: 1}})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("calibration", func(t *testing.T) {
		k := [9]float64{600, 0, 320, 0, 600, 240, 0, 0, 1}
		resp, err := client.SetCalibration(ctx, &CalibrationRequest{K: k})
		require.NoError(t, err)
		assert.True(t, resp.Applied)
		assert.True(t, resp.Calibrated)
		resp, err = client.SetCalibration(ctx, &CalibrationRequest{K: [9]float64{1}})
		require.NoError(t, err)
		assert.False(t, resp.Applied)
		assert.Equal(t, k, resp.K)
	})

	t.Run("latest pose", func(t *testing.T) {
		p, err := client.LatestPose(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), p.Seq)
		assert.Equal(t, "aruco", p.FrameId)
		assert.True(t, stamp.Equal(p.Stamp.AsTime()))
		assert.Equal(t, Vector3{X: 1, Y: 2, Z: 3}, p.Position)
		assert.Equal(t, 1.0, p.Orientation.W)
		assert.Equal(t, []int32{7}, p.Markers)
	})

	t.Run("process frame", func(t *testing.T) {
		p, err := client.ProcessFrame(ctx, &FrameRequest{ImgData: []byte{1, 2, 3}})
		require.NoError(t, err)
		assert.Equal(t, -1.0, p.Position.Z)
		assert.Nil(t, p.Stamp)

		_, err = client.ProcessFrame(ctx, &FrameRequest{})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))

		runner.err = fmt.Errorf("%w: truncated", engine.ErrFrameDecode)
		_, err = client.ProcessFrame(ctx, &FrameRequest{ImgData: []byte{1}})
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
		runner.err = engine.ErrRunnerClosed
		_, err = client.ProcessFrame(ctx, &FrameRequest{ImgData: []byte{1}})
		assert.Equal(t, codes.Unavailable, status.Code(err))
		runner.err = nil
	})
}

func TestStreamPoses(t *testing.T) {
	streams := NewBroadcaster()
	srv := NewServer(&mockControl{markers: map[int]iface.MarkerEvent{}}, &mockRunner{}, streams)
	client := startBufServer(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamPoses(ctx, &StreamRequest{VisibleOnly: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return streams.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	streams.Publish(iface.PoseEstimate{Seq: 1})
	streams.Publish(iface.PoseEstimate{Seq: 2, Visible: true, Markers: []int{3}})
	p, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Seq)
	assert.Equal(t, []int32{3}, p.Markers)

	require.NoError(t, client.Shutdown(ctx))
	_, err = stream.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	select {
	case <-srv.Done():
	default:
		t.Fatal("server not marked done")
	}
	require.Eventually(t, func() bool { return streams.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
