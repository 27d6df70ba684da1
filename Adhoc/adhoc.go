package Adhoc

import (
	"ArucoPoseServer/logger"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ServiceClass   = "aruco-pose"
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id        string         `json:"id"`
	IP        string         `json:"ip"`
	Ports     map[string]int `json:"ports"`
	Class     string         `json:"class"`
	Markers   int            `json:"markers"`
	Visible   bool           `json:"visible"`
	TimeStamp int64          `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

func (reg RegServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/api/register", reg.Addr, reg.Port)
}

// Status reports the live values carried by each heartbeat.
type Status func() (markers int, visible bool)

type Heartbeat struct {
	ID       string
	IP       string
	Ports    map[string]int
	Interval time.Duration
	Status   Status

	client *resty.Client
	url    string
}

func NewHeartbeat(reg RegServerConfig, ip string, ports map[string]int, status Status) *Heartbeat {
	return &Heartbeat{
		ID:       uuid.NewString(),
		IP:       ip,
		Ports:    ports,
		Interval: TimeOutSeconds * time.Second,
		Status:   status,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		url:      reg.URL(),
	}
}

// Beat sends one registration and reports whether the server accepted it.
func (h *Heartbeat) Beat(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error(fmt.Sprintf("Heartbeat panic recovered: %v", r))
			ok = false
		}
	}()
	reqBody := RegisterRequest{
		Id:        h.ID,
		IP:        h.IP,
		Ports:     h.Ports,
		Class:     ServiceClass,
		TimeStamp: time.Now().Unix(),
	}
	if h.Status != nil {
		reqBody.Markers, reqBody.Visible = h.Status()
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		logger.Log().Error("Heartbeat request error", zap.String("url", h.url), zap.Error(err))
		return false
	}
	if resp.IsError() {
		logger.Log().Error("Heartbeat rejected", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return false
	}
	return respBody.Success
}

// Run beats immediately and then every Interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	h.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("Heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// GetOutboundIP returns the local address used to reach the default route.
// Nothing is sent.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
