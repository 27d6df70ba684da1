package registry

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestNewKnownMarker(t *testing.T) {
	t.Run("identity orientation", func(t *testing.T) {
		m := NewKnownMarker(1, 0.1, r3.Vec{}, r3.Vec{})
		assert.Equal(t, [4]r3.Vec{
			{X: -0.05, Y: -0.05},
			{X: 0.05, Y: -0.05},
			{X: 0.05, Y: 0.05},
			{X: -0.05, Y: 0.05},
		}, m.World)
	})

	t.Run("translated and rotated", func(t *testing.T) {
		center := r3.Vec{X: 1, Y: 2, Z: 3}
		m := NewKnownMarker(2, 0.2, center, r3.Vec{Z: math.Pi / 2})
		// local x maps to world y after a quarter turn about z
		want := r3.Add(center, r3.Vec{X: 0.1, Y: -0.1})
		assert.InDelta(t, want.X, m.World[0].X, 1e-12)
		assert.InDelta(t, want.Y, m.World[0].Y, 1e-12)
		assert.InDelta(t, want.Z, m.World[0].Z, 1e-12)

		var sum r3.Vec
		for _, c := range m.World {
			sum = r3.Add(sum, c)
		}
		mean := r3.Scale(0.25, sum)
		assert.InDelta(t, center.X, mean.X, 1e-12)
		assert.InDelta(t, center.Y, mean.Y, 1e-12)
		assert.InDelta(t, center.Z, mean.Z, 1e-12)
	})

	t.Run("deterministic", func(t *testing.T) {
		a := NewKnownMarker(3, 0.3, r3.Vec{X: 0.5}, r3.Vec{X: 0.1, Y: 0.2, Z: 0.3})
		b := NewKnownMarker(3, 0.3, r3.Vec{X: 0.5}, r3.Vec{X: 0.1, Y: 0.2, Z: 0.3})
		assert.Equal(t, a, b)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("replace on duplicate id", func(t *testing.T) {
		r := New()
		first := NewKnownMarker(5, 0.1, r3.Vec{X: 1}, r3.Vec{})
		second := NewKnownMarker(5, 0.2, r3.Vec{Y: 2}, r3.Vec{Z: 0.5})
		assert.False(t, r.Register(first))
		assert.True(t, r.Register(second))
		assert.Equal(t, 1, r.Len())
		got, ok := r.Lookup(5)
		require.True(t, ok)
		assert.Equal(t, second, got)
	})

	t.Run("remove", func(t *testing.T) {
		r := New()
		r.Register(NewKnownMarker(5, 0.1, r3.Vec{}, r3.Vec{}))
		assert.True(t, r.Remove(5))
		_, ok := r.Lookup(5)
		assert.False(t, ok)
	})

	t.Run("remove missing is a no-op", func(t *testing.T) {
		r := New()
		assert.False(t, r.Remove(7))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := New()
		for _, id := range []int{9, 2, 4} {
			r.Register(NewKnownMarker(id, 0.1, r3.Vec{}, r3.Vec{}))
		}
		ids := []int{}
		for _, m := range r.List() {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []int{2, 4, 9}, ids)
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := New()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					id := i % 10
					r.Register(NewKnownMarker(id, float64(w+1), r3.Vec{}, r3.Vec{}))
					r.View(func(lookup func(int) (KnownMarker, bool)) {
						if m, ok := lookup(id); ok {
							assert.Equal(t, id, m.ID)
						}
					})
					if i%3 == 0 {
						r.Remove(id)
					}
				}
			}(w)
		}
		wg.Wait()
		assert.LessOrEqual(t, r.Len(), 10)
	})
}
