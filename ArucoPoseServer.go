package main

import (
	adhoc "ArucoPoseServer/Adhoc"
	"ArucoPoseServer/api"
	"ArucoPoseServer/bridge"
	"ArucoPoseServer/config"
	"ArucoPoseServer/engine"
	backend "ArucoPoseServer/gRPC"
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"ArucoPoseServer/monitor"
	"ArucoPoseServer/pose"
	"ArucoPoseServer/threshold"
	"ArucoPoseServer/vision"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// buildPipeline wires the detector, solver and state holders described by cfg.
func buildPipeline(cfg config.Config) (*engine.Pipeline, error) {
	ctl, err := threshold.New(cfg.ThresholdBlockSizeMin, cfg.ThresholdBlockSizeMax)
	if err != nil {
		return nil, err
	}
	detector, err := vision.NewArucoDetector(vision.DetectorConfig{
		Dictionary:   cfg.Dictionary,
		CosineLimit:  cfg.CosineLimit,
		MaxErrorQuad: cfg.MaxErrorQuad,
		MinArea:      float64(cfg.MinArea),
	})
	if err != nil {
		return nil, err
	}
	var solver pose.Solver = pose.NewLMSolver()
	if cfg.Solver == config.SolverOpenCV {
		solver = vision.CVSolver{}
	}
	in, calibrated, err := cfg.Intrinsics()
	if err != nil {
		return nil, err
	}
	calibration := pose.NewCalibration(pose.DefaultIntrinsics())
	if calibrated {
		calibration.Apply(in)
	}
	p, err := engine.NewPipeline(engine.Options{
		Calibration:        calibration,
		Threshold:          ctl,
		Detector:           detector,
		Solver:             solver,
		Converter:          geometry.Converter{Native: cfg.UseNativeCoords},
		FrameID:            cfg.FrameID,
		RequireCalibration: cfg.RequireCalibration,
	})
	if err != nil {
		return nil, err
	}
	seeds, err := cfg.SeedMarkers()
	if err != nil {
		return nil, err
	}
	p.SeedMarkers(seeds)
	monitor.BlockSize.Set(float64(p.BlockSize()))
	return p, nil
}

func stopGRPC(s *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		s.Stop()
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config file:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Debug, cfg.Log.FileConfig()); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println("  gRPC   Port:", cfg.RPCPort)
	fmt.Println("  HTTP   Port:", cfg.HTTPPort)
	fmt.Println(" Monitor Port:", cfg.MonitorPort)
	fmt.Println("       Solver:", cfg.Solver)
	fmt.Println("  Native axes:", cfg.UseNativeCoords)
	fmt.Println(strings.Repeat("#", 64))

	p, err := buildPipeline(cfg)
	if err != nil {
		logger.Log().Error("Failed to build pipeline", zap.Error(err))
		return
	}
	logger.Log().Info("Pipeline ready", zap.Int("markers", len(p.Markers())), zap.Int("blockSize", p.BlockSize()))

	runner := engine.NewRunner(p, cfg.QueueDepth)
	runner.Start()

	if cfg.Debug {
		p.AddSink(iface.SinkFunc(func(est iface.PoseEstimate) {
			if !est.Visible {
				return
			}
			logger.Log().Debug("Pose",
				zap.Uint64("seq", est.Seq),
				zap.Float64s("position", []float64{est.Position.X, est.Position.Y, est.Position.Z}),
				zap.Float64s("rotation", []float64{est.Rotation.X, est.Rotation.Y, est.Rotation.Z}),
				zap.Ints("markers", est.Markers))
		}))
	}

	hub := api.NewHub()
	p.AddSink(hub)
	streams := backend.NewBroadcaster()
	p.AddSink(streams)

	var mqtt *bridge.Bridge
	if cfg.MQTT.Enabled {
		mqtt = bridge.New(cfg.MQTT, runner, p)
		p.AddSink(mqtt)
		if err := mqtt.Connect(cfg.MQTT, 5*time.Second); err != nil {
			logger.Log().Warn("MQTT broker not reachable yet, retrying in background", zap.Error(err))
		}
	}

	rpc := backend.NewServer(p, runner, streams)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		logger.Log().Error("Failed to start gRPC server", zap.Error(err))
		return
	}

	httpServer := api.NewServer(p, runner, hub)
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe(cfg.HTTPPort)
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup
	go monitor.StartMon(cfg.MonitorPort, ctx)

	if cfg.RegServer.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("Failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			reg := adhoc.RegServerConfig{}
			reg.SetAddress(cfg.RegServer.Host, cfg.RegServer.Port)
			ports := map[string]int{"grpc": cfg.RPCPort, "http": cfg.HTTPPort, "monitor": cfg.MonitorPort}
			hb := adhoc.NewHeartbeat(reg, ip, ports, func() (int, bool) {
				return len(p.Markers()), p.Latest().Visible
			})
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		logger.Log().Info("reg_server disabled, skipping registration")
	}

	select {
	case <-ctx.Done():
		logger.Log().Info("Signal received, shutting down")
	case <-rpc.Done():
	case err := <-httpErr:
		if err != nil {
			logger.Log().Error("HTTP server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 3*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Log().Warn("HTTP shutdown", zap.Error(err))
	}
	stopGRPC(grpcServer, 3*time.Second)
	if mqtt != nil {
		mqtt.Close()
	}
	runner.Close()
	if err := p.Close(); err != nil {
		logger.Log().Warn("Detector close", zap.Error(err))
	}
	wg.Wait()
	logger.Log().Info("Safely exited")
}
