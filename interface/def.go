package iface

import (
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Point2 is a projected image point in pixels.
type Point2 struct {
	X, Y float64
}

// DetectedMarker is one marker found by the detector in a frame.
// Corners follow the detector order: top-left, top-right, bottom-right, bottom-left.
type DetectedMarker struct {
	ID      int
	Corners [4]Point2
}

// Frame is an encoded image payload as received from a transport.
type Frame struct {
	Data     []byte
	Source   string
	Received time.Time
}

// MarkerEvent registers (or replaces) a known marker.
type MarkerEvent struct {
	ID   int     `json:"id"`
	Size float64 `json:"size"`
	PosX float64 `json:"posx"`
	PosY float64 `json:"posy"`
	PosZ float64 `json:"posz"`
	RotX float64 `json:"rotx"`
	RotY float64 `json:"roty"`
	RotZ float64 `json:"rotz"`
}

func (e MarkerEvent) Position() r3.Vec {
	return r3.Vec{X: e.PosX, Y: e.PosY, Z: e.PosZ}
}

func (e MarkerEvent) Rotation() r3.Vec {
	return r3.Vec{X: e.RotX, Y: e.RotY, Z: e.RotZ}
}

// RemoveEvent removes a known marker by id.
type RemoveEvent struct {
	Data int `json:"data"`
}

// CameraInfo carries intrinsics (row major) and distortion coefficients.
type CameraInfo struct {
	K [9]float64 `json:"k"`
	D [5]float64 `json:"d"`
}

// PoseEstimate is the pipeline output for a single frame.
// Position and Rotation are already in the selected coordinate convention.
type PoseEstimate struct {
	Seq         uint64
	Visible     bool
	Position    r3.Vec
	Rotation    r3.Vec
	Orientation quat.Number
	FrameID     string
	Stamp       time.Time
	Markers     []int
}
