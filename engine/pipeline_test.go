package engine

import (
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/monitor"
	"ArucoPoseServer/pose"
	"ArucoPoseServer/registry"
	"ArucoPoseServer/threshold"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

type fakeDetector struct {
	mu     sync.Mutex
	blocks []int
	out    []iface.DetectedMarker
	err    error
	closed bool
}

func (d *fakeDetector) Detect(frame iface.Frame, blockSize int) ([]iface.DetectedMarker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks = append(d.blocks, blockSize)
	return d.out, d.err
}

func (d *fakeDetector) Close() error {
	d.closed = true
	return nil
}

type recordingSink struct {
	mu  sync.Mutex
	got []iface.PoseEstimate
}

func (s *recordingSink) Publish(est iface.PoseEstimate) {
	s.mu.Lock()
	s.got = append(s.got, est)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// markerSeenAt renders the corners of a marker of the given size centred on
// the world origin, seen by a camera whose frame is offset by tvec.
func markerSeenAt(id int, size float64, tvec r3.Vec) iface.DetectedMarker {
	m := registry.NewKnownMarker(id, size, r3.Vec{}, r3.Vec{})
	in := pose.DefaultIntrinsics()
	d := iface.DetectedMarker{ID: id}
	for i, w := range m.World {
		d.Corners[i] = in.Project(r3.Add(w, tvec))
	}
	return d
}

func assertVec(t *testing.T, want, got r3.Vec, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, "x")
	assert.InDelta(t, want.Y, got.Y, delta, "y")
	assert.InDelta(t, want.Z, got.Z, delta, "z")
}

func newTestPipeline(t *testing.T, det *fakeDetector, native, requireCal bool) (*Pipeline, *recordingSink) {
	t.Helper()
	ctl, err := threshold.New(3, 21)
	require.NoError(t, err)
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := NewPipeline(Options{
		Threshold:          ctl,
		Detector:           det,
		Converter:          geometry.Converter{Native: native},
		RequireCalibration: requireCal,
		Clock:              func() time.Time { return stamp },
	})
	require.NoError(t, err)
	sink := &recordingSink{}
	p.AddSink(sink)
	return p, sink
}

func TestNewPipeline(t *testing.T) {
	_, err := NewPipeline(Options{})
	assert.Error(t, err)

	ctl, _ := threshold.New(3, 21)
	p, err := NewPipeline(Options{Threshold: ctl, Detector: &fakeDetector{}})
	require.NoError(t, err)
	assert.Equal(t, "aruco", p.frameID)
	assert.Equal(t, 13, p.BlockSize())
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("undecodable frame leaves state untouched", func(t *testing.T) {
		det := &fakeDetector{err: errors.New("bad jpeg")}
		p, sink := newTestPipeline(t, det, false, false)
		_, err := p.Process(ctx, iface.Frame{Data: []byte{1, 2}})
		assert.True(t, errors.Is(err, ErrFrameDecode))
		assert.Equal(t, 13, p.BlockSize())
		assert.Equal(t, uint64(0), p.Latest().Seq)
		assert.Equal(t, 0, sink.count())
	})

	t.Run("no detections advance the threshold", func(t *testing.T) {
		det := &fakeDetector{}
		p, sink := newTestPipeline(t, det, false, false)
		for i := 0; i < 2; i++ {
			est, err := p.Process(ctx, iface.Frame{})
			require.NoError(t, err)
			assert.False(t, est.Visible)
		}
		assert.Equal(t, []int{13, 15}, det.blocks)
		assert.Equal(t, 17, p.BlockSize())
		assert.Equal(t, 2, sink.count())
		assert.Equal(t, uint64(2), p.Latest().Seq)
	})

	t.Run("unknown markers are not visible", func(t *testing.T) {
		det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(42, 0.1, r3.Vec{Z: 1})}}
		p, sink := newTestPipeline(t, det, false, false)
		est, err := p.Process(ctx, iface.Frame{})
		require.NoError(t, err)
		assert.False(t, est.Visible)
		assert.Empty(t, est.Markers)
		assert.Equal(t, 13, p.BlockSize())
		assert.Equal(t, 1, sink.count())
	})

	t.Run("known marker in front of the camera", func(t *testing.T) {
		det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(1, 0.1, r3.Vec{Z: 1})}}
		p, sink := newTestPipeline(t, det, true, false)
		assert.False(t, p.RegisterMarker(iface.MarkerEvent{ID: 1, Size: 0.1}))

		est, err := p.Process(ctx, iface.Frame{})
		require.NoError(t, err)
		require.True(t, est.Visible)
		assert.Equal(t, []int{1}, est.Markers)
		assert.Equal(t, "aruco", est.FrameID)
		assert.InDelta(t, 0, est.Position.X, 1e-3)
		assert.InDelta(t, 0, est.Position.Y, 1e-3)
		assert.InDelta(t, -1, est.Position.Z, 1e-3)
		assert.InDelta(t, 0, r3.Norm(est.Rotation), 1e-3)
		assert.InDelta(t, 1, est.Orientation.Real, 1e-6)
		assert.Equal(t, est, sink.got[0])
	})

	t.Run("consumer convention", func(t *testing.T) {
		det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(1, 0.1, r3.Vec{Z: 1})}}
		p, _ := newTestPipeline(t, det, false, false)
		p.RegisterMarker(iface.MarkerEvent{ID: 1, Size: 0.1})

		est, err := p.Process(ctx, iface.Frame{})
		require.NoError(t, err)
		require.True(t, est.Visible)
		// native (0,0,-1) maps to (z,-x,-y)
		assert.InDelta(t, -1, est.Position.X, 1e-3)
		assert.InDelta(t, 0, est.Position.Y, 1e-3)
		assert.InDelta(t, 0, est.Position.Z, 1e-3)
	})

	t.Run("calibration gate", func(t *testing.T) {
		det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(1, 0.1, r3.Vec{Z: 1})}}
		p, _ := newTestPipeline(t, det, true, true)
		p.RegisterMarker(iface.MarkerEvent{ID: 1, Size: 0.1})

		est, err := p.Process(ctx, iface.Frame{})
		require.NoError(t, err)
		assert.False(t, est.Visible)
		assert.Equal(t, []int{1}, est.Markers)

		in := pose.DefaultIntrinsics()
		assert.True(t, p.ApplyCalibration(iface.CameraInfo{K: in.K, D: in.D}))
		est, err = p.Process(ctx, iface.Frame{})
		require.NoError(t, err)
		assert.True(t, est.Visible)
	})

	t.Run("cancelled context", func(t *testing.T) {
		p, sink := newTestPipeline(t, &fakeDetector{}, false, false)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := p.Process(cctx, iface.Frame{})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, sink.count())
	})
}

func TestMarkerControl(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeDetector{}, false, false)
	ev := iface.MarkerEvent{ID: 3, Size: 0.2, PosX: 1, PosY: 2, PosZ: 3, RotZ: 0.5}
	assert.False(t, p.RegisterMarker(ev))
	assert.True(t, p.RegisterMarker(ev))

	// runtime registrations are native even when publishing in the consumer convention
	known, ok := p.registry.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, known.Position)
	assert.Equal(t, r3.Vec{Z: 0.5}, known.Rotation)
	assert.False(t, known.Seeded)
	assert.Equal(t, []iface.MarkerEvent{ev}, p.Markers())

	p.RegisterMarker(iface.MarkerEvent{ID: 4, Size: 0.1, PosZ: 1})
	known, ok = p.registry.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, r3.Vec{Z: 1}, known.Position)

	assert.True(t, p.RemoveMarker(3))
	assert.False(t, p.RemoveMarker(3))
	assert.True(t, p.RemoveMarker(4))
	assert.Empty(t, p.Markers())
}

func TestSeedMarkers(t *testing.T) {
	t.Run("consumer convention is converted", func(t *testing.T) {
		p, _ := newTestPipeline(t, &fakeDetector{}, false, false)
		// one meter forward of the origin in x forward, y left, z up
		seed := iface.MarkerEvent{ID: 0, Size: 0.2, PosX: 1}
		p.SeedMarkers([]iface.MarkerEvent{seed})

		known, ok := p.registry.Lookup(0)
		require.True(t, ok)
		assert.True(t, known.Seeded)
		want := [4]r3.Vec{
			{X: -0.1, Y: -0.1, Z: 1},
			{X: 0.1, Y: -0.1, Z: 1},
			{X: 0.1, Y: 0.1, Z: 1},
			{X: -0.1, Y: 0.1, Z: 1},
		}
		for i := range want {
			assert.InDelta(t, want[i].X, known.World[i].X, 1e-12)
			assert.InDelta(t, want[i].Y, known.World[i].Y, 1e-12)
			assert.InDelta(t, want[i].Z, known.World[i].Z, 1e-12)
		}

		list := p.Markers()
		require.Len(t, list, 1)
		assert.InDelta(t, 1, list[0].PosX, 1e-12)
		assert.InDelta(t, 0, list[0].PosY, 1e-12)
		assert.InDelta(t, 0, list[0].PosZ, 1e-12)
	})

	t.Run("native convention is stored as is", func(t *testing.T) {
		p, _ := newTestPipeline(t, &fakeDetector{}, true, false)
		seed := iface.MarkerEvent{ID: 2, Size: 0.1, PosX: 0.5, PosY: -0.25, PosZ: 2}
		p.SeedMarkers([]iface.MarkerEvent{seed})
		known, ok := p.registry.Lookup(2)
		require.True(t, ok)
		assert.Equal(t, seed.Position(), known.Position)
		assert.Equal(t, []iface.MarkerEvent{seed}, p.Markers())
	})

	t.Run("seeded marker yields the expected pose", func(t *testing.T) {
		// the marker sits at native z=1 and the camera at the origin
		det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(5, 0.1, r3.Vec{Z: 1})}}
		p, _ := newTestPipeline(t, det, false, false)
		p.SeedMarkers([]iface.MarkerEvent{{ID: 5, Size: 0.1, PosX: 1}})
		est, err := p.Process(context.Background(), iface.Frame{})
		require.NoError(t, err)
		require.True(t, est.Visible)
		assertVec(t, r3.Vec{}, est.Position, 1e-3)
	})
}

func TestBlockSizeBounds(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeDetector{}, false, false)
	lo, hi := p.BlockSizeBounds()
	assert.Equal(t, 3, lo)
	assert.Equal(t, 21, hi)
}

func TestQueueLatency(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeDetector{}, false, false)
	_, err := p.Process(context.Background(), iface.Frame{Received: time.Now().Add(-5 * time.Millisecond)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	monitor.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "frame_queue_seconds_count")
	assert.NotContains(t, rec.Body.String(), "frame_queue_seconds_count 0\n")
}

func TestRunner(t *testing.T) {
	det := &fakeDetector{out: []iface.DetectedMarker{markerSeenAt(1, 0.1, r3.Vec{Z: 1})}}
	p, sink := newTestPipeline(t, det, true, false)
	p.RegisterMarker(iface.MarkerEvent{ID: 1, Size: 0.1})

	r := NewRunner(p, 1)
	r.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			est, err := r.Submit(context.Background(), iface.Frame{})
			assert.NoError(t, err)
			assert.True(t, est.Visible)
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, sink.count())
	assert.Equal(t, uint64(4), p.Latest().Seq)

	r.Close()
	_, err := r.Submit(context.Background(), iface.Frame{})
	assert.ErrorIs(t, err, ErrRunnerClosed)
	require.NoError(t, p.Close())
	assert.True(t, det.closed)
}
