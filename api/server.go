package api

import (
	"ArucoPoseServer/engine"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"ArucoPoseServer/monitor"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxFrameBytes = 20 * 1024 * 1024

// Control is the part of the pipeline the HTTP surface drives.
type Control interface {
	RegisterMarker(ev iface.MarkerEvent) bool
	RemoveMarker(id int) bool
	Markers() []iface.MarkerEvent
	ApplyCalibration(info iface.CameraInfo) bool
	Calibration() (iface.CameraInfo, bool)
	Latest() iface.PoseEstimate
	BlockSize() int
	BlockSizeBounds() (int, int)
}

type FrameSubmitter interface {
	Submit(ctx context.Context, frame iface.Frame) (iface.PoseEstimate, error)
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type PoseView struct {
	Seq         uint64    `json:"seq"`
	Visible     bool      `json:"visible"`
	FrameID     string    `json:"frame_id"`
	Stamp       time.Time `json:"stamp"`
	Position    Vec3      `json:"position"`
	Rotation    Vec3      `json:"rotation"`
	Orientation Quat      `json:"orientation"`
	Markers     []int     `json:"markers"`
}

func NewPoseView(est iface.PoseEstimate) PoseView {
	markers := est.Markers
	if markers == nil {
		markers = []int{}
	}
	return PoseView{
		Seq:      est.Seq,
		Visible:  est.Visible,
		FrameID:  est.FrameID,
		Stamp:    est.Stamp,
		Position: Vec3{X: est.Position.X, Y: est.Position.Y, Z: est.Position.Z},
		Rotation: Vec3{X: est.Rotation.X, Y: est.Rotation.Y, Z: est.Rotation.Z},
		Orientation: Quat{
			X: est.Orientation.Imag, Y: est.Orientation.Jmag,
			Z: est.Orientation.Kmag, W: est.Orientation.Real,
		},
		Markers: markers,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	control Control
	runner  FrameSubmitter
	hub     *Hub
	router  *gin.Engine
	srv     *http.Server
}

func NewServer(control Control, runner FrameSubmitter, hub *Hub) *Server {
	s := &Server{control: control, runner: runner, hub: hub}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		monitor.HTTPTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		logger.Log().Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/markers", s.listMarkers)
	r.POST("/api/markers", s.putMarker)
	r.PUT("/api/markers/:id", s.putMarker)
	r.DELETE("/api/markers/:id", s.deleteMarker)
	r.GET("/api/calibration", s.getCalibration)
	r.POST("/api/calibration", s.postCalibration)
	r.GET("/api/pose", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": NewPoseView(s.control.Latest())})
	})
	r.GET("/api/threshold", func(c *gin.Context) {
		lo, hi := s.control.BlockSizeBounds()
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"blockSize": s.control.BlockSize(), "min": lo, "max": hi}})
	})
	r.POST("/api/frames", s.postFrame)
	r.GET("/ws/poses", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		s.hub.serve(conn)
	})
	return r
}

func (s *Server) listMarkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.control.Markers()})
}

func (s *Server) putMarker(c *gin.Context) {
	var ev iface.MarkerEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if idStr := c.Param("id"); idStr != "" {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
			return
		}
		ev.ID = id
	}
	if ev.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Marker size must be positive"})
		return
	}
	replaced := s.control.RegisterMarker(ev)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": ev.ID, "replaced": replaced}})
}

func (s *Server) deleteMarker(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": id, "removed": s.control.RemoveMarker(id)}})
}

func (s *Server) getCalibration(c *gin.Context) {
	info, calibrated := s.control.Calibration()
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"calibrated": calibrated, "k": info.K, "d": info.D}})
}

func (s *Server) postCalibration(c *gin.Context) {
	var info iface.CameraInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"applied": s.control.ApplyCalibration(info)}})
}

// postFrame accepts either a multipart "file" field or the raw encoded image as body.
func (s *Server) postFrame(c *gin.Context) {
	var data []byte
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
			return
		}
		defer f.Close()
		data, err = io.ReadAll(io.LimitReader(f, maxFrameBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		var err error
		data, err = io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty frame"})
		return
	}
	est, err := s.runner.Submit(c.Request.Context(), iface.Frame{Data: data, Source: "http", Received: time.Now()})
	switch {
	case errors.Is(err, engine.ErrFrameDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrRunnerClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": NewPoseView(est)})
}

// ListenAndServe blocks until Shutdown or a listen error.
func (s *Server) ListenAndServe(port int) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	logger.Log().Info("HTTP server listening", zap.Int("port", port))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
