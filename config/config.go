package config

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"ArucoPoseServer/pose"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	SolverGonum  = "gonum"
	SolverOpenCV = "opencv"
)

type Topics struct {
	Camera         string `yaml:"camera"`
	CameraInfo     string `yaml:"camera_info"`
	MarkerRegister string `yaml:"marker_register"`
	MarkerRemove   string `yaml:"marker_remove"`
	Visible        string `yaml:"visible"`
	Position       string `yaml:"position"`
	Rotation       string `yaml:"rotation"`
	Pose           string `yaml:"pose"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
	Topics   Topics `yaml:"topics"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func (l LogConfig) FileConfig() logger.FileConfig {
	return logger.FileConfig{
		Path:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

type RegServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type Config struct {
	Debug           bool `yaml:"debug"`
	UseNativeCoords bool `yaml:"use_native_coords"`

	// detector tunables
	Dictionary            string  `yaml:"dictionary"`
	CosineLimit           float64 `yaml:"cosine_limit"`
	MaxErrorQuad          float64 `yaml:"max_error_quad"`
	MinArea               int     `yaml:"min_area"`
	ThresholdBlockSizeMin int     `yaml:"threshold_block_size_min"`
	ThresholdBlockSizeMax int     `yaml:"threshold_block_size_max"`

	// camera model, underscore separated
	Calibrated         bool   `yaml:"calibrated"`
	Calibration        string `yaml:"calibration"`
	Distortion         string `yaml:"distortion"`
	RequireCalibration bool   `yaml:"require_calibration"`

	// id -> "size_px_py_pz_rx_ry_rz"
	Markers map[int]string `yaml:"markers"`

	Solver     string `yaml:"solver"`
	FrameID    string `yaml:"frame_id"`
	QueueDepth int    `yaml:"queue_depth"`

	RPCPort     int `yaml:"rpc_port"`
	HTTPPort    int `yaml:"http_port"`
	MonitorPort int `yaml:"monitor_port"`

	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
	RegServer RegServerConfig `yaml:"reg_server"`
}

func Default() Config {
	return Config{
		Dictionary:            "original",
		CosineLimit:           0.7,
		MaxErrorQuad:          0.035,
		MinArea:               100,
		ThresholdBlockSizeMin: 3,
		ThresholdBlockSizeMax: 21,
		Solver:                SolverGonum,
		FrameID:               "aruco",
		QueueDepth:            1,
		RPCPort:               50051,
		HTTPPort:              8080,
		MonitorPort:           50052,
		MQTT: MQTTConfig{
			Broker:   "tcp://127.0.0.1:1883",
			ClientID: "aruco-pose",
			Topics: Topics{
				Camera:         "/rgb/image",
				CameraInfo:     "/rgb/camera_info",
				MarkerRegister: "/marker_register",
				MarkerRemove:   "/marker_remove",
				Visible:        "/visible",
				Position:       "/position",
				Rotation:       "/rotation",
				Pose:           "/pose",
			},
		},
		Log: LogConfig{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Load reads path and fills every key it leaves out from Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c Config) Validate() error {
	// adaptive threshold windows in OpenCV must be odd and at least 3
	if c.ThresholdBlockSizeMin < 3 || c.ThresholdBlockSizeMin%2 == 0 {
		return invalid("threshold_block_size_min must be odd and at least 3, got %d", c.ThresholdBlockSizeMin)
	}
	if c.ThresholdBlockSizeMax < c.ThresholdBlockSizeMin {
		return invalid("threshold_block_size_max %d below min %d", c.ThresholdBlockSizeMax, c.ThresholdBlockSizeMin)
	}
	if math.IsNaN(c.CosineLimit) || c.CosineLimit < 0 || c.CosineLimit > 1 {
		return invalid("cosine_limit %g outside [0,1]", c.CosineLimit)
	}
	if c.MinArea < 0 || !(c.MaxErrorQuad >= 0) || math.IsInf(c.MaxErrorQuad, 0) {
		return invalid("min_area and max_error_quad must not be negative")
	}
	if c.Solver != SolverGonum && c.Solver != SolverOpenCV {
		return invalid("unknown solver %q", c.Solver)
	}
	if c.QueueDepth < 1 {
		return invalid("queue_depth must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		return invalid("mqtt qos %d", c.MQTT.QoS)
	}
	if _, _, err := c.Intrinsics(); err != nil {
		return err
	}
	if _, err := c.SeedMarkers(); err != nil {
		return err
	}
	return nil
}

// ParseDelimited splits s on '_' and requires exactly n finite numeric tokens.
func ParseDelimited(s string, n int) ([]float64, error) {
	tokens := strings.Split(strings.TrimSpace(s), "_")
	if len(tokens) != n {
		return nil, invalid("%q has %d values, want %d", s, len(tokens), n)
	}
	out := make([]float64, n)
	for i, tok := range tokens {
		v, err := strconv.ParseFloat(strings.TrimSpace(tok), 64)
		if err != nil {
			return nil, invalid("%q value %d: %v", s, i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, invalid("%q value %d is not finite", s, i)
		}
		out[i] = v
	}
	return out, nil
}

// Intrinsics returns the configured camera model on top of the built-in
// defaults, and whether it counts as calibrated.
func (c Config) Intrinsics() (pose.Intrinsics, bool, error) {
	in := pose.DefaultIntrinsics()
	calibrated := c.Calibrated
	if c.Calibration != "" {
		v, err := ParseDelimited(c.Calibration, 9)
		if err != nil {
			return in, false, fmt.Errorf("calibration: %w", err)
		}
		copy(in.K[:], v)
		calibrated = true
	}
	if c.Distortion != "" {
		v, err := ParseDelimited(c.Distortion, 5)
		if err != nil {
			return in, false, fmt.Errorf("distortion: %w", err)
		}
		copy(in.D[:], v)
		calibrated = true
	}
	return in, calibrated, nil
}

// SeedMarkers returns the configured markers, sorted by id, as registration
// events in the selected output convention.
func (c Config) SeedMarkers() ([]iface.MarkerEvent, error) {
	ids := make([]int, 0, len(c.Markers))
	for id := range c.Markers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]iface.MarkerEvent, 0, len(ids))
	for _, id := range ids {
		if id < 0 {
			return nil, invalid("marker id %d", id)
		}
		v, err := ParseDelimited(c.Markers[id], 7)
		if err != nil {
			return nil, fmt.Errorf("marker %d: %w", id, err)
		}
		if v[0] <= 0 {
			return nil, invalid("marker %d size %g", id, v[0])
		}
		out = append(out, iface.MarkerEvent{
			ID: id, Size: v[0],
			PosX: v[1], PosY: v[2], PosZ: v[3],
			RotX: v[4], RotY: v[5], RotZ: v[6],
		})
	}
	return out, nil
}
