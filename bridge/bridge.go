// Package bridge connects the pose pipeline to an MQTT broker. It subscribes
// to camera frames, camera calibration and marker registration topics, and
// publishes visibility, position, rotation and stamped pose messages.
package bridge

import (
	"ArucoPoseServer/config"
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FrameSubmitter runs a frame through the pipeline.
type FrameSubmitter interface {
	Submit(ctx context.Context, frame iface.Frame) (iface.PoseEstimate, error)
}

// MarkerControl is the runtime control surface of the pipeline.
type MarkerControl interface {
	RegisterMarker(ev iface.MarkerEvent) bool
	RemoveMarker(id int) bool
	ApplyCalibration(info iface.CameraInfo) bool
}

// Publisher is the publishing half of a paho client.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type Header struct {
	Seq     uint64    `json:"seq"`
	FrameID string    `json:"frame_id"`
	Stamp   time.Time `json:"stamp"`
}

type PoseStamped struct {
	Header Header `json:"header"`
	Pose   struct {
		Position    Vector3    `json:"position"`
		Orientation Quaternion `json:"orientation"`
	} `json:"pose"`
}

type Bool struct {
	Data bool `json:"data"`
}

func NewPoseStamped(est iface.PoseEstimate) PoseStamped {
	var msg PoseStamped
	msg.Header = Header{Seq: est.Seq, FrameID: est.FrameID, Stamp: est.Stamp}
	msg.Pose.Position = Vector3{X: est.Position.X, Y: est.Position.Y, Z: est.Position.Z}
	q := geometry.XYZW(est.Orientation)
	msg.Pose.Orientation = Quaternion{X: q[0], Y: q[1], Z: q[2], W: q[3]}
	return msg
}

type Bridge struct {
	runner  FrameSubmitter
	control MarkerControl
	topics  config.Topics
	qos     byte

	// frames that wait longer than this for the worker are dropped
	frameWait      time.Duration
	publishTimeout time.Duration

	mu     sync.RWMutex
	client paho.Client
	pub    Publisher
}

func New(cfg config.MQTTConfig, runner FrameSubmitter, control MarkerControl) *Bridge {
	return &Bridge{
		runner:         runner,
		control:        control,
		topics:         cfg.Topics,
		qos:            cfg.QoS,
		frameWait:      100 * time.Millisecond,
		publishTimeout: 3 * time.Second,
	}
}

// Options builds the paho client options for cfg. Subscriptions are renewed
// on every (re)connect.
func (b *Bridge) Options(cfg config.MQTTConfig) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "aruco-pose"
	}
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))
	opts.SetCleanSession(true)
	opts.SetProtocolVersion(4)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Log().Info("MQTT connected", zap.String("broker", cfg.Broker))
		if err := b.subscribe(c); err != nil {
			logger.Log().Error("MQTT subscribe failed", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Log().Warn("MQTT connection lost", zap.Error(err))
	})
	return opts
}

// Connect dials the broker and waits up to timeout for the first connection.
func (b *Bridge) Connect(cfg config.MQTTConfig, timeout time.Duration) error {
	client := paho.NewClient(b.Options(cfg))
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.SetPublisher(client)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	return token.Error()
}

// SetPublisher replaces the outgoing side, used when the client is managed elsewhere.
func (b *Bridge) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.pub = p
	b.mu.Unlock()
}

func (b *Bridge) subscribe(c paho.Client) error {
	filters := map[string]byte{
		b.topics.Camera:         b.qos,
		b.topics.CameraInfo:     b.qos,
		b.topics.MarkerRegister: b.qos,
		b.topics.MarkerRemove:   b.qos,
	}
	token := c.SubscribeMultiple(filters, b.route)
	if !token.WaitTimeout(3 * time.Second) {
		return errors.New("subscribe timed out")
	}
	return token.Error()
}

func (b *Bridge) route(_ paho.Client, msg paho.Message) {
	switch msg.Topic() {
	case b.topics.Camera:
		b.HandleFrame(msg)
	case b.topics.CameraInfo:
		b.HandleCameraInfo(msg)
	case b.topics.MarkerRegister:
		b.HandleMarkerRegister(msg)
	case b.topics.MarkerRemove:
		b.HandleMarkerRemove(msg)
	default:
		logger.Log().Debug("MQTT message on unexpected topic", zap.String("topic", msg.Topic()))
	}
}

// HandleFrame submits an encoded image. The estimate reaches subscribers
// through Publish.
func (b *Bridge) HandleFrame(msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.frameWait)
	defer cancel()
	frame := iface.Frame{Data: msg.Payload(), Source: msg.Topic(), Received: time.Now()}
	if _, err := b.runner.Submit(ctx, frame); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Log().Debug("Worker busy, frame dropped", zap.Uint16("messageID", msg.MessageID()))
			return
		}
		logger.Log().Debug("Frame not processed", zap.Error(err))
	}
}

func (b *Bridge) HandleCameraInfo(msg paho.Message) {
	var info iface.CameraInfo
	if err := json.Unmarshal(msg.Payload(), &info); err != nil {
		logger.Log().Warn("Malformed camera info", zap.Error(err))
		return
	}
	b.control.ApplyCalibration(info)
}

func (b *Bridge) HandleMarkerRegister(msg paho.Message) {
	var ev iface.MarkerEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		logger.Log().Warn("Malformed marker registration", zap.Error(err))
		return
	}
	b.control.RegisterMarker(ev)
}

func (b *Bridge) HandleMarkerRemove(msg paho.Message) {
	var ev iface.RemoveEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		logger.Log().Warn("Malformed marker removal", zap.Error(err))
		return
	}
	b.control.RemoveMarker(ev.Data)
}

// Publish sends visibility for every frame, and position, rotation and pose
// when the frame produced one.
func (b *Bridge) Publish(est iface.PoseEstimate) {
	b.mu.RLock()
	pub := b.pub
	b.mu.RUnlock()
	if pub == nil {
		return
	}
	b.send(pub, b.topics.Visible, Bool{Data: est.Visible})
	if !est.Visible {
		return
	}
	b.send(pub, b.topics.Position, Vector3{X: est.Position.X, Y: est.Position.Y, Z: est.Position.Z})
	b.send(pub, b.topics.Rotation, Vector3{X: est.Rotation.X, Y: est.Rotation.Y, Z: est.Rotation.Z})
	b.send(pub, b.topics.Pose, NewPoseStamped(est))
}

func (b *Bridge) send(pub Publisher, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Log().Error("Marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	token := pub.Publish(topic, b.qos, false, payload)
	if b.qos == 0 {
		return
	}
	if !token.WaitTimeout(b.publishTimeout) {
		logger.Log().Warn("Publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		logger.Log().Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.client = nil
	b.pub = nil
}
