package vision

import (
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/pose"
	"ArucoPoseServer/registry"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"
)

func square(x, y, side float64) [4]iface.Point2 {
	return [4]iface.Point2{{X: x, Y: y}, {X: x + side, Y: y}, {X: x + side, Y: y + side}, {X: x, Y: y + side}}
}

func TestQuadFilter(t *testing.T) {
	f := QuadFilter{MinArea: 100, CosineLimit: 0.7}

	t.Run("square passes", func(t *testing.T) {
		c := square(10, 10, 20)
		assert.InDelta(t, 400, Area(c), 1e-9)
		assert.InDelta(t, 0, MaxCosine(c), 1e-9)
		assert.True(t, f.Accept(c))
	})

	t.Run("small outline rejected", func(t *testing.T) {
		assert.False(t, f.Accept(square(0, 0, 5)))
	})

	t.Run("sheared outline rejected", func(t *testing.T) {
		c := [4]iface.Point2{{X: 0, Y: 0}, {X: 40, Y: 0}, {X: 80, Y: 10}, {X: 40, Y: 10}}
		assert.Greater(t, MaxCosine(c), 0.7)
		assert.False(t, f.Accept(c))
	})

	t.Run("degenerate outline rejected", func(t *testing.T) {
		var c [4]iface.Point2
		assert.Equal(t, 1.0, MaxCosine(c))
		assert.False(t, QuadFilter{CosineLimit: 0.7}.Accept(c))
	})

	t.Run("apply keeps order", func(t *testing.T) {
		in := []iface.DetectedMarker{
			{ID: 3, Corners: square(0, 0, 30)},
			{ID: 1, Corners: square(0, 0, 2)},
			{ID: 2, Corners: square(50, 50, 30)},
		}
		out := f.Apply(in)
		require.Len(t, out, 2)
		assert.Equal(t, 3, out[0].ID)
		assert.Equal(t, 2, out[1].ID)
		assert.Len(t, in, 3)
	})
}

func TestDictionaryCode(t *testing.T) {
	_, err := DictionaryCode("Original")
	assert.NoError(t, err)
	_, err = DictionaryCode("4x4_50")
	assert.NoError(t, err)
	_, err = DictionaryCode("9x9")
	assert.True(t, errors.Is(err, ErrUnknownDictionary))
}

func TestDecode(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
	_, err = Decode([]byte("not an image"))
	assert.Error(t, err)

	blank := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer blank.Close()
	buf, err := gocv.IMEncode(".jpg", blank)
	require.NoError(t, err)
	defer buf.Close()

	mat, err := Decode(buf.GetBytes())
	require.NoError(t, err)
	defer mat.Close()
	assert.Equal(t, 64, mat.Cols())
	assert.Equal(t, 48, mat.Rows())
}

func TestArucoDetector(t *testing.T) {
	det, err := NewArucoDetector(DetectorConfig{Dictionary: "original", CosineLimit: 0.7, MaxErrorQuad: 0.035, MinArea: 100})
	require.NoError(t, err)
	defer det.Close()

	blank := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer blank.Close()
	buf, err := gocv.IMEncode(".png", blank)
	require.NoError(t, err)
	defer buf.Close()

	for _, size := range []int{13, 15, 13} {
		found, err := det.Detect(iface.Frame{Data: buf.GetBytes()}, size)
		require.NoError(t, err)
		assert.Empty(t, found)
	}
	assert.Len(t, det.detectors, 2)

	_, err = det.Detect(iface.Frame{Data: []byte{0xff, 0xd8}}, 13)
	assert.Error(t, err)
}

func TestCVSolver(t *testing.T) {
	in := pose.DefaultIntrinsics()
	reg := registry.New()
	reg.Register(registry.NewKnownMarker(1, 0.1, r3.Vec{}, r3.Vec{}))
	reg.Register(registry.NewKnownMarker(2, 0.1, r3.Vec{X: 0.3}, r3.Vec{}))
	truth := pose.Extrinsics{Rvec: r3.Vec{X: 0.2, Y: -0.3, Z: 0.1}, Tvec: r3.Vec{X: -0.1, Y: 0.05, Z: 1.2}}
	r := geometry.RodriguesToMat(truth.Rvec)

	var dets []iface.DetectedMarker
	for _, m := range reg.List() {
		d := iface.DetectedMarker{ID: m.ID}
		for i, w := range m.World {
			d.Corners[i] = in.Project(r3.Add(r.MulVec(w), truth.Tvec))
		}
		dets = append(dets, d)
	}
	c := pose.BuildCorrespondences(reg, dets)

	res, err := pose.Solve(CVSolver{}, c, in)
	require.NoError(t, err)
	assert.InDelta(t, truth.Tvec.Z, res.Extrinsics.Tvec.Z, 1e-3)
	assert.Less(t, pose.ReprojectionError(c.Image, c.World, in, res.Extrinsics), 0.05)

	_, err = CVSolver{}.Solve(c.Image[:3], c.World[:3], in)
	assert.True(t, errors.Is(err, pose.ErrDegenerate))
}
