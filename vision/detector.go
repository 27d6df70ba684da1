package vision

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrUnknownDictionary = errors.New("unknown aruco dictionary")

var dictionaries = map[string]gocv.ArucoDictionaryCode{
	"original":  gocv.ArucoDictArucoOriginal,
	"4x4_50":    gocv.ArucoDict4x4_50,
	"4x4_100":   gocv.ArucoDict4x4_100,
	"4x4_250":   gocv.ArucoDict4x4_250,
	"4x4_1000":  gocv.ArucoDict4x4_1000,
	"5x5_50":    gocv.ArucoDict5x5_50,
	"5x5_100":   gocv.ArucoDict5x5_100,
	"5x5_250":   gocv.ArucoDict5x5_250,
	"5x5_1000":  gocv.ArucoDict5x5_1000,
	"6x6_50":    gocv.ArucoDict6x6_50,
	"6x6_100":   gocv.ArucoDict6x6_100,
	"6x6_250":   gocv.ArucoDict6x6_250,
	"6x6_1000":  gocv.ArucoDict6x6_1000,
	"7x7_50":    gocv.ArucoDict7x7_50,
	"7x7_100":   gocv.ArucoDict7x7_100,
	"7x7_250":   gocv.ArucoDict7x7_250,
	"7x7_1000":  gocv.ArucoDict7x7_1000,
}

// DictionaryCode resolves a dictionary name from the config file.
func DictionaryCode(name string) (gocv.ArucoDictionaryCode, error) {
	code, ok := dictionaries[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownDictionary, name)
	}
	return code, nil
}

// DetectorConfig holds the detector tunables.
type DetectorConfig struct {
	Dictionary   string
	CosineLimit  float64
	MaxErrorQuad float64
	MinArea      float64
}

// ArucoDetector decodes frames and finds markers with OpenCV. The adaptive
// threshold window follows the block size handed in per frame, so one OpenCV
// detector is kept per block size.
type ArucoDetector struct {
	mu        sync.Mutex
	cfg       DetectorConfig
	dict      gocv.ArucoDictionary
	filter    QuadFilter
	detectors map[int]gocv.ArucoDetector
}

func NewArucoDetector(cfg DetectorConfig) (*ArucoDetector, error) {
	code, err := DictionaryCode(cfg.Dictionary)
	if err != nil {
		return nil, err
	}
	return &ArucoDetector{
		cfg:       cfg,
		dict:      gocv.GetPredefinedDictionary(code),
		filter:    QuadFilter{MinArea: cfg.MinArea, CosineLimit: cfg.CosineLimit},
		detectors: make(map[int]gocv.ArucoDetector),
	}, nil
}

func (d *ArucoDetector) detectorFor(blockSize int) gocv.ArucoDetector {
	if det, ok := d.detectors[blockSize]; ok {
		return det
	}
	params := gocv.NewArucoDetectorParameters()
	params.SetAdaptiveThreshWinSizeMin(blockSize)
	params.SetAdaptiveThreshWinSizeMax(blockSize)
	params.SetAdaptiveThreshWinSizeStep(1)
	if d.cfg.MaxErrorQuad > 0 {
		params.SetPolygonalApproxAccuracyRate(d.cfg.MaxErrorQuad)
	}
	det := gocv.NewArucoDetectorWithParams(d.dict, params)
	d.detectors[blockSize] = det
	logger.Log().Debug("ArUco detector created", zap.Int("blockSize", blockSize))
	return det
}

// Detect decodes frame and returns the markers that pass the quad filter.
func (d *ArucoDetector) Detect(frame iface.Frame, blockSize int) ([]iface.DetectedMarker, error) {
	img, err := Decode(frame.Data)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	d.mu.Lock()
	det := d.detectorFor(blockSize)
	corners, ids, _ := det.DetectMarkers(img)
	d.mu.Unlock()

	found := make([]iface.DetectedMarker, 0, len(ids))
	for i, id := range ids {
		if i >= len(corners) || len(corners[i]) != 4 {
			continue
		}
		m := iface.DetectedMarker{ID: id}
		for k, p := range corners[i] {
			m.Corners[k] = iface.Point2{X: float64(p.X), Y: float64(p.Y)}
		}
		found = append(found, m)
	}
	return d.filter.Apply(found), nil
}

func (d *ArucoDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for size, det := range d.detectors {
		det.Close()
		delete(d.detectors, size)
	}
	return nil
}

// Decode turns encoded image bytes into a colour Mat. The caller closes it.
func Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), errors.New("empty frame")
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		if err := mat.Close(); err != nil {
			return gocv.Mat{}, err
		}
		return gocv.NewMat(), errors.New("decoded image is empty or unsupported format")
	}
	return mat, nil
}
