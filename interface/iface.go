package iface

// Detector turns an encoded frame into marker detections.
// blockSize is the adaptive threshold window the detector must use for this frame.
type Detector interface {
	Detect(frame Frame, blockSize int) ([]DetectedMarker, error)
	Close() error
}

// Sink receives every estimate produced by the pipeline.
type Sink interface {
	Publish(est PoseEstimate)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(est PoseEstimate)

func (f SinkFunc) Publish(est PoseEstimate) { f(est) }
