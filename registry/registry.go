package registry

import (
	"ArucoPoseServer/geometry"
	"ArucoPoseServer/logger"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// KnownMarker is a physically placed marker with a known world pose.
// Position and Rotation are stored in the native vision convention.
type KnownMarker struct {
	ID       int
	Size     float64
	Position r3.Vec
	Rotation r3.Vec
	World    [4]r3.Vec
	// Seeded markers came from the config file in the output convention.
	Seeded bool
}

// NewKnownMarker derives the four world corners of a marker.
// Corners are ordered top-left, top-right, bottom-right, bottom-left,
// matching the detector's corner order.
func NewKnownMarker(id int, size float64, position, rotation r3.Vec) KnownMarker {
	h := size / 2
	local := [4]r3.Vec{
		{X: -h, Y: -h},
		{X: h, Y: -h},
		{X: h, Y: h},
		{X: -h, Y: h},
	}
	rot := geometry.EulerToMat(rotation)
	m := KnownMarker{ID: id, Size: size, Position: position, Rotation: rotation}
	for i, c := range local {
		m.World[i] = r3.Add(rot.MulVec(c), position)
	}
	return m
}

// Registry holds the known markers keyed by id.
type Registry struct {
	mu      sync.RWMutex
	markers map[int]KnownMarker
}

func New() *Registry {
	return &Registry{markers: make(map[int]KnownMarker)}
}

// Register inserts m, replacing any marker with the same id.
func (r *Registry) Register(m KnownMarker) bool {
	r.mu.Lock()
	_, replaced := r.markers[m.ID]
	r.markers[m.ID] = m
	r.mu.Unlock()
	if replaced {
		logger.Log().Info("Marker already exists, was replaced", zap.Int("id", m.ID))
	} else {
		logger.Log().Info("Marker added", zap.Int("id", m.ID), zap.Float64("size", m.Size))
	}
	return replaced
}

// Remove deletes the marker with the given id, if present.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	_, ok := r.markers[id]
	delete(r.markers, id)
	r.mu.Unlock()
	if ok {
		logger.Log().Info("Marker removed", zap.Int("id", id))
	} else {
		logger.Log().Debug("Marker remove ignored, unknown id", zap.Int("id", id))
	}
	return ok
}

func (r *Registry) Lookup(id int) (KnownMarker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markers[id]
	return m, ok
}

// View runs fn with a lookup function while holding the read lock, so a whole
// frame traversal sees one consistent registry state.
func (r *Registry) View(fn func(lookup func(id int) (KnownMarker, bool))) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(func(id int) (KnownMarker, bool) {
		m, ok := r.markers[id]
		return m, ok
	})
}

// List returns all markers ordered by id.
func (r *Registry) List() []KnownMarker {
	r.mu.RLock()
	out := make([]KnownMarker, 0, len(r.markers))
	for _, m := range r.markers {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markers)
}
