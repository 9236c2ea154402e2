package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/hsc-engineering/yardnode/internal/buildinfo"
	"github.com/hsc-engineering/yardnode/internal/events"
	"github.com/hsc-engineering/yardnode/internal/identity"
	"github.com/hsc-engineering/yardnode/internal/metrics"
	"github.com/hsc-engineering/yardnode/internal/sampler"
	"github.com/hsc-engineering/yardnode/internal/settings"
)

// State is the broker session state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Options configures a Session.
type Options struct {
	Namespace         string
	ReconnectInterval time.Duration
	KeepAlive         uint16
	// OpTimeout bounds each dial, CONNECT, publish and subscribe.
	OpTimeout time.Duration

	// Model and BoardCode go into the device info document.
	Model     string
	BoardCode string

	// Uptime reports process uptime for the info document's boot_time.
	Uptime func() time.Duration

	Dial    Dialer
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Env is what the session needs from the rest of the device each tick.
type Env struct {
	Config    settings.Config
	NetworkUp bool
	IP        string
}

// Message is an inbound message on the config topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Session is the node's broker session. All methods except the paho
// callbacks run on the device loop goroutine.
type Session struct {
	id   identity.Identity
	opts Options

	client      Client
	state       State
	lastAttempt time.Time
	justUp      bool

	lost    chan error
	inbound chan Message
	limiter *messageRateLimiter
}

// New creates a disconnected Session.
func New(id identity.Identity, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Namespace == "" {
		opts.Namespace = "HSC"
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 15
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Uptime == nil {
		opts.Uptime = buildinfo.Uptime
	}
	if opts.Dial == nil {
		opts.Dial = TCPDialer(false)
	}
	return &Session{
		id:      id,
		opts:    opts,
		inbound: make(chan Message, 16),
		limiter: newMessageRateLimiter(10, time.Second, opts.Logger),
	}
}

// Tick advances the session. Nothing happens while the device is
// unconfigured or off the network. Connection attempts are at least
// ReconnectInterval apart, with no backoff.
func (s *Session) Tick(ctx context.Context, now time.Time, env Env) {
	if !env.Config.Configured() || !env.NetworkUp {
		return
	}

	if s.state == Connected {
		s.service()
		return
	}

	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.opts.ReconnectInterval {
		return
	}
	s.lastAttempt = now
	s.connect(ctx, now, env)
}

// service drains the connection-lost signal and queued inbound
// messages. paho answers keepalive PINGs on its own goroutine.
func (s *Session) service() {
	select {
	case err := <-s.lost:
		s.opts.Logger.Warn("mqtt connection lost", "error", err)
		s.client = nil
		s.state = Disconnected
		s.opts.Metrics.Disconnected()
		s.opts.Bus.Emit(events.SourceMQTT, events.KindDisconnected, map[string]any{"reason": errString(err)})
		return
	default:
	}

	for {
		select {
		case m := <-s.inbound:
			s.opts.Logger.Info("mqtt config message received", "topic", m.Topic, "bytes", len(m.Payload))
			s.opts.Logger.Debug("mqtt config payload", "topic", m.Topic, "payload", string(m.Payload))
			s.opts.Bus.Emit(events.SourceMQTT, events.KindConfigMessage, map[string]any{
				"topic": m.Topic,
				"bytes": len(m.Payload),
			})
		default:
			return
		}
	}
}

func (s *Session) connect(ctx context.Context, now time.Time, env Env) {
	cfg := env.Config
	logger := s.opts.Logger
	addr := net.JoinHostPort(cfg.MQTTServer, strconv.Itoa(cfg.MQTTPort))
	s.state = Connecting

	lost := make(chan error, 1)
	handlers := Handlers{
		OnMessage: func(topic string, payload []byte) {
			if !s.limiter.allow(time.Now()) {
				return
			}
			select {
			case s.inbound <- Message{Topic: topic, Payload: payload}:
			default:
			}
		},
		OnLost: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	logger.Debug("mqtt connecting", "broker", addr, "client_id", s.id.DeviceID)
	client, err := s.opts.Dial(opCtx, addr, handlers)
	if err != nil {
		logger.Warn("mqtt dial failed", "broker", addr, "error", err)
		s.state = Disconnected
		s.opts.Metrics.ConnectAttempt(err)
		return
	}

	cp := &paho.Connect{
		ClientID:   s.id.DeviceID,
		KeepAlive:  s.opts.KeepAlive,
		CleanStart: true,
		WillMessage: &paho.WillMessage{
			Topic:   s.id.StatusTopic(s.opts.Namespace),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
	}
	if cfg.MQTTUser != "" {
		cp.Username = cfg.MQTTUser
		cp.UsernameFlag = true
		cp.Password = []byte(cfg.MQTTPassword)
		cp.PasswordFlag = true
	}

	connack, err := client.Connect(opCtx, cp)
	if err != nil {
		fields := []any{"broker", addr, "error", err}
		if connack != nil {
			fields = append(fields, "reason_code", connack.ReasonCode)
			if connack.Properties != nil && connack.Properties.ReasonString != "" {
				fields = append(fields, "reason", connack.Properties.ReasonString)
			}
		}
		logger.Warn("mqtt connect rejected", fields...)
		s.state = Disconnected
		s.opts.Metrics.ConnectAttempt(err)
		return
	}

	s.client = client
	s.lost = lost
	s.state = Connected
	s.justUp = true
	s.opts.Metrics.ConnectAttempt(nil)
	logger.Info("mqtt connected", "broker", addr, "client_id", s.id.DeviceID)
	s.opts.Bus.Emit(events.SourceMQTT, events.KindConnected, map[string]any{"broker": addr})

	s.publish(ctx, s.id.StatusTopic(s.opts.Namespace), []byte("online"), 1, true)
	s.publishInfo(ctx, now, env.IP)
	s.publishAnnounce(ctx)
	s.subscribeConfig(ctx)
}

type deviceInfo struct {
	DeviceID  string `json:"device_id"`
	Model     string `json:"model"`
	BoardCode string `json:"board_code"`
	Firmware  string `json:"firmware"`
	MAC       string `json:"mac"`
	IP        string `json:"ip"`
	BootTime  int64  `json:"boot_time"`
}

type announcement struct {
	DeviceID string `json:"device_id"`
	Event    string `json:"event"`
	BootID   string `json:"boot_id"`
}

func (s *Session) publishInfo(ctx context.Context, now time.Time, ip string) {
	payload, err := json.Marshal(deviceInfo{
		DeviceID:  s.id.DeviceID,
		Model:     s.opts.Model,
		BoardCode: s.opts.BoardCode,
		Firmware:  buildinfo.Version,
		MAC:       s.id.MAC,
		IP:        ip,
		BootTime:  now.Add(-s.opts.Uptime()).Unix(),
	})
	if err != nil {
		s.opts.Logger.Error("mqtt marshal device info", "error", err)
		return
	}
	s.publish(ctx, s.id.InfoTopic(s.opts.Namespace), payload, 1, true)
}

func (s *Session) publishAnnounce(ctx context.Context) {
	payload, err := json.Marshal(announcement{
		DeviceID: s.id.DeviceID,
		Event:    "boot",
		BootID:   s.id.BootID,
	})
	if err != nil {
		s.opts.Logger.Error("mqtt marshal announcement", "error", err)
		return
	}
	s.publish(ctx, identity.AnnounceTopic(s.opts.Namespace), payload, 0, false)
}

func (s *Session) subscribeConfig(ctx context.Context) {
	topic := s.id.ConfigTopic(s.opts.Namespace)
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	if _, err := s.client.Subscribe(opCtx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		s.opts.Logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	s.opts.Logger.Debug("mqtt subscribed", "topic", topic)
}

func (s *Session) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	_, err := s.client.Publish(opCtx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	s.opts.Metrics.Published(err)
	if err != nil {
		s.opts.Logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	s.opts.Logger.Debug("mqtt published", "topic", topic, "retain", retain, "bytes", len(payload))
}

// PublishTrack publishes a channel's stable level, retained. It does
// nothing for an unconfigured board or without a session.
func (s *Session) PublishTrack(ctx context.Context, boardID, channel int, level sampler.Level) {
	if boardID == 0 || s.state != Connected {
		return
	}
	s.publish(ctx, identity.TrackTopic(s.opts.Namespace, channel, boardID), []byte(level.Occupancy()), 0, true)
}

// RepublishInfo refreshes the retained device-info document, so the
// boot time follows a clock that has since been synchronised.
func (s *Session) RepublishInfo(ctx context.Context, now time.Time, ip string) {
	if s.state != Connected {
		return
	}
	s.publishInfo(ctx, now, ip)
}

// JustConnected reports a fresh connection once.
func (s *Session) JustConnected() bool {
	up := s.justUp
	s.justUp = false
	return up
}

// State returns the session state.
func (s *Session) State() State {
	return s.state
}

// Close marks the node offline and disconnects cleanly.
func (s *Session) Close(ctx context.Context) error {
	if s.state != Connected || s.client == nil {
		return nil
	}
	s.publish(ctx, s.id.StatusTopic(s.opts.Namespace), []byte("offline"), 1, true)
	err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	s.client = nil
	s.state = Disconnected
	s.opts.Metrics.Disconnected()
	if err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
