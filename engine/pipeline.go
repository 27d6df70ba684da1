package engine

import (
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"ArucoPoseServer/monitor"
	"ArucoPoseServer/pose"
	"ArucoPoseServer/registry"
	"ArucoPoseServer/threshold"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrFrameDecode = errors.New("frame decode failed")

// Options configures a Pipeline.
type Options struct {
	Registry           *registry.Registry
	Calibration        *pose.Calibration
	Threshold          *threshold.Controller
	Detector           iface.Detector
	Solver             pose.Solver
	Converter          geometry.Converter
	FrameID            string
	RequireCalibration bool
	Clock              func() time.Time
}

// Pipeline owns all state that survives between frames and runs one frame at a time.
type Pipeline struct {
	mu sync.Mutex

	registry           *registry.Registry
	calibration        *pose.Calibration
	threshold          *threshold.Controller
	detector           iface.Detector
	solver             pose.Solver
	converter          geometry.Converter
	frameID            string
	requireCalibration bool
	clock              func() time.Time

	sinkMu sync.RWMutex
	sinks  []iface.Sink

	latestMu sync.RWMutex
	latest   iface.PoseEstimate
	seq      uint64
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Detector == nil {
		return nil, errors.New("pipeline needs a detector")
	}
	if opts.Threshold == nil {
		return nil, errors.New("pipeline needs a threshold controller")
	}
	p := &Pipeline{
		registry:           opts.Registry,
		calibration:        opts.Calibration,
		threshold:          opts.Threshold,
		detector:           opts.Detector,
		solver:             opts.Solver,
		converter:          opts.Converter,
		frameID:            opts.FrameID,
		requireCalibration: opts.RequireCalibration,
		clock:              opts.Clock,
	}
	if p.registry == nil {
		p.registry = registry.New()
	}
	if p.calibration == nil {
		p.calibration = pose.NewCalibration(pose.DefaultIntrinsics())
	}
	if p.solver == nil {
		p.solver = pose.NewLMSolver()
	}
	if p.frameID == "" {
		p.frameID = "aruco"
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p, nil
}

// AddSink registers a receiver for every estimate.
func (p *Pipeline) AddSink(s iface.Sink) {
	p.sinkMu.Lock()
	p.sinks = append(p.sinks, s)
	p.sinkMu.Unlock()
}

// Process runs detection, matching and pose estimation for one frame.
// A frame that cannot be decoded returns ErrFrameDecode and leaves all state untouched.
func (p *Pipeline) Process(ctx context.Context, frame iface.Frame) (iface.PoseEstimate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return iface.PoseEstimate{}, err
	}
	start := time.Now()
	monitor.FramesTotal.Inc()
	if !frame.Received.IsZero() {
		monitor.QueueSeconds.Observe(start.Sub(frame.Received).Seconds())
	}

	blockSize := p.threshold.Current()
	detections, err := p.detector.Detect(frame, blockSize)
	if err != nil {
		monitor.FrameErrors.Inc()
		logger.Log().Warn("Error getting image data, frame skipped", zap.String("source", frame.Source), zap.Error(err))
		return iface.PoseEstimate{}, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	monitor.MarkersDetected.Set(float64(len(detections)))
	if len(detections) == 0 {
		next := p.threshold.Observe(0)
		monitor.BlockSize.Set(float64(next))
		logger.Log().Debug("No markers, threshold block size advanced", zap.Int("from", blockSize), zap.Int("to", next))
	}

	corr := pose.BuildCorrespondences(p.registry, detections)
	est := iface.PoseEstimate{
		FrameID: p.frameID,
		Stamp:   p.clock(),
		Markers: corr.IDs(),
	}
	if !corr.Empty() {
		est = p.estimate(corr, est)
	}

	p.latestMu.Lock()
	p.seq++
	est.Seq = p.seq
	p.latest = est
	p.latestMu.Unlock()

	if est.Visible {
		monitor.Visible.Set(1)
	} else {
		monitor.Visible.Set(0)
	}
	monitor.FrameSeconds.Observe(time.Since(start).Seconds())
	p.publish(est)
	return est, nil
}

func (p *Pipeline) estimate(corr pose.Correspondences, est iface.PoseEstimate) iface.PoseEstimate {
	in, calibrated := p.calibration.Get()
	if !calibrated && p.requireCalibration {
		logger.Log().Debug("Markers visible but camera is not calibrated, pose skipped")
		return est
	}
	res, err := pose.Solve(p.solver, corr, in)
	if err != nil {
		monitor.SolveFailures.Inc()
		logger.Log().Warn("Pose solve failed", zap.Ints("markers", corr.IDs()), zap.Error(err))
		return est
	}
	logger.Log().Debug("Pose solved", zap.Ints("markers", corr.IDs()), zap.Float64("rmsPx", res.RMSError))
	est.Visible = true
	est.Position = p.converter.ToConsumer(res.Position)
	est.Rotation = p.converter.ToConsumer(res.Rotation)
	est.Orientation = geometry.AxisAngleToQuat(est.Rotation)
	return est
}

func (p *Pipeline) publish(est iface.PoseEstimate) {
	p.sinkMu.RLock()
	sinks := append([]iface.Sink(nil), p.sinks...)
	p.sinkMu.RUnlock()
	for _, s := range sinks {
		s.Publish(est)
	}
}

// Latest returns the most recent estimate.
func (p *Pipeline) Latest() iface.PoseEstimate {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	return p.latest
}

// RegisterMarker stores a runtime registration as given, in the native
// vision convention.
func (p *Pipeline) RegisterMarker(ev iface.MarkerEvent) bool {
	return p.register(registry.NewKnownMarker(ev.ID, ev.Size, ev.Position(), ev.Rotation()))
}

// SeedMarkers stores markers from the config file. Those are written in the
// selected output convention and are converted to native first.
func (p *Pipeline) SeedMarkers(events []iface.MarkerEvent) {
	for _, ev := range events {
		m := registry.NewKnownMarker(ev.ID, ev.Size,
			p.converter.FromConsumer(ev.Position()),
			p.converter.FromConsumer(ev.Rotation()))
		m.Seeded = true
		p.register(m)
	}
}

func (p *Pipeline) register(m registry.KnownMarker) bool {
	replaced := p.registry.Register(m)
	monitor.KnownMarkers.Set(float64(p.registry.Len()))
	return replaced
}

func (p *Pipeline) RemoveMarker(id int) bool {
	removed := p.registry.Remove(id)
	monitor.KnownMarkers.Set(float64(p.registry.Len()))
	return removed
}

// Markers lists the known markers as registration events, each in the
// convention it was registered in.
func (p *Pipeline) Markers() []iface.MarkerEvent {
	list := p.registry.List()
	out := make([]iface.MarkerEvent, len(list))
	for i, m := range list {
		pos, rot := m.Position, m.Rotation
		if m.Seeded {
			pos, rot = p.converter.ToConsumer(pos), p.converter.ToConsumer(rot)
		}
		out[i] = iface.MarkerEvent{
			ID: m.ID, Size: m.Size,
			PosX: pos.X, PosY: pos.Y, PosZ: pos.Z,
			RotX: rot.X, RotY: rot.Y, RotZ: rot.Z,
		}
	}
	return out
}

// ApplyCalibration latches the first camera info; later ones are ignored.
func (p *Pipeline) ApplyCalibration(info iface.CameraInfo) bool {
	return p.calibration.Apply(pose.Intrinsics{K: info.K, D: info.D})
}

func (p *Pipeline) Calibration() (iface.CameraInfo, bool) {
	in, ok := p.calibration.Get()
	return iface.CameraInfo{K: in.K, D: in.D}, ok
}

func (p *Pipeline) BlockSize() int {
	return p.threshold.Current()
}

// BlockSizeBounds returns the configured threshold block size range.
func (p *Pipeline) BlockSizeBounds() (int, int) {
	return p.threshold.Bounds()
}

func (p *Pipeline) Close() error {
	return p.detector.Close()
}
