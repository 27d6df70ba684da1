package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	PID      process.Process
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"method", "status"})
	FramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_total",
		Help: "Frames handed to the pose pipeline",
	})
	FrameErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frame_decode_errors_total",
		Help: "Frames skipped because they could not be decoded",
	})
	SolveFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pose_solve_failures_total",
		Help: "Frames with correspondences where the pose solve failed",
	})
	MarkersDetected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "markers_detected",
		Help: "Markers detected in the last frame",
	})
	KnownMarkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "markers_known",
		Help: "Markers currently registered",
	})
	Visible = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pose_visible",
		Help: "1 when the last frame produced a pose",
	})
	BlockSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "threshold_block_size",
		Help: "Adaptive threshold block size used by the detector",
	})
	QueueSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "frame_queue_seconds",
		Help:    "Time between a frame arriving at a transport and processing start",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	FrameSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "frame_processing_seconds",
		Help:    "Time spent processing a frame",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, GRPCTotal, HTTPTotal, FramesTotal, FrameErrors, SolveFailures,
		MarkersDetected, KnownMarkers, Visible, BlockSize, QueueSeconds, FrameSeconds)
}

// Handler serves the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

var srv *http.Server

func prom(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Prometheus server ListenAndServe error: %v\n", err)
		}
	}()
}

func CheckProcessInfo() {
	if memInfo, err := PID.MemoryInfo(); err == nil && memInfo != nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := PID.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() {
	PID.Pid = int32(os.Getpid())
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func StartMon(port int, ctx context.Context) {
	PID = process.Process{}
	GotPID()
	prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Prometheus server Shutdown error: %v\n", err)
	}
}
