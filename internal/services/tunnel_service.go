package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/audit"
	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/benmeehan/iot-tunnel/internal/transport/sshtransport"
	"github.com/benmeehan/iot-tunnel/internal/tunnel"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"
)

// TransportFactory builds the transport used by one tunnel.
type TransportFactory func(cfg models.TunnelConfig, logger zerolog.Logger) (transport.Transport, error)

// SSHTransportFactory is the default TransportFactory.
func SSHTransportFactory(cfg models.TunnelConfig, logger zerolog.Logger) (transport.Transport, error) {
	return sshtransport.NewTransport(cfg.ProxyURL, logger)
}

// TunnelService supervises the configured tunnels and bridges them to MQTT.
// Commands arrive on <topic>/<device>/commands, lifecycle events go to
// <topic>/<device>/events and status replies to <topic>/<device>/status.
type TunnelService struct {
	topic          string
	qos            int
	commandTimeout time.Duration
	tunnels        []models.TunnelConfig

	deviceInfo   identity.DeviceInfoInterface
	mqttClient   mqtt.MQTTClient
	newTransport TransportFactory
	auditor      audit.Logger
	logger       zerolog.Logger

	controllers cmap.ConcurrentMap[string, *tunnel.Controller]
	events      *eventQueue

	mu   sync.Mutex
	pool *utils.WorkerPool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	publisher sync.WaitGroup
}

// NewTunnelService initializes a new TunnelService.
func NewTunnelService(topic string, qos int, commandTimeout time.Duration, tunnels []models.TunnelConfig,
	deviceInfo identity.DeviceInfoInterface, mqttClient mqtt.MQTTClient, newTransport TransportFactory,
	auditor audit.Logger, logger zerolog.Logger) *TunnelService {

	if topic == "" {
		topic = constants.DefaultTunnelTopic
	}
	if commandTimeout <= 0 {
		commandTimeout = constants.CommandTimeout
	}
	if newTransport == nil {
		newTransport = SSHTransportFactory
	}
	if auditor == nil {
		auditor = audit.NewLog(logger)
	}

	return &TunnelService{
		topic:          topic,
		qos:            qos,
		commandTimeout: commandTimeout,
		tunnels:        tunnels,
		deviceInfo:     deviceInfo,
		mqttClient:     mqttClient,
		newTransport:   newTransport,
		auditor:        auditor,
		logger:         logger.With().Str("service", "tunnel").Logger(),
		controllers:    cmap.New[*tunnel.Controller](),
	}
}

func (s *TunnelService) commandTopic() string {
	return fmt.Sprintf("%s/%s/commands", s.topic, s.deviceInfo.GetDeviceID())
}

func (s *TunnelService) eventTopic() string {
	return fmt.Sprintf("%s/%s/events", s.topic, s.deviceInfo.GetDeviceID())
}

func (s *TunnelService) statusTopic() string {
	return fmt.Sprintf("%s/%s/status", s.topic, s.deviceInfo.GetDeviceID())
}

// Start creates one controller per tunnel, subscribes to the command topic and starts auto_start tunnels.
func (s *TunnelService) Start() error {
	if s.ctx != nil {
		s.logger.Warn().Msg("TunnelService is already running")
		return errors.New("tunnel service is already running")
	}

	controllers := make([]*tunnel.Controller, 0, len(s.tunnels))
	for _, cfg := range s.tunnels {
		tr, err := s.newTransport(cfg, s.logger.With().Str("tunnel", cfg.Name).Logger())
		if err != nil {
			s.logger.Error().Err(err).Str("tunnel", cfg.Name).Msg("Failed to create transport")
			return fmt.Errorf("tunnel %s: %w", cfg.Name, err)
		}
		ctrl, err := tunnel.New(cfg, tr, s, s.auditor, s.logger)
		if err != nil {
			s.logger.Error().Err(err).Str("tunnel", cfg.Name).Msg("Failed to create tunnel controller")
			return fmt.Errorf("tunnel %s: %w", cfg.Name, err)
		}
		controllers = append(controllers, ctrl)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = newEventQueue()
	s.publisher.Add(1)
	go func() {
		defer s.publisher.Done()
		s.publishEvents()
	}()

	for _, ctrl := range controllers {
		s.controllers.Set(ctrl.Name(), ctrl)
		s.wg.Add(1)
		go func(c *tunnel.Controller) {
			defer s.wg.Done()
			if err := c.Run(s.ctx); err != nil {
				s.logger.Error().Err(err).Str("tunnel", c.Name()).Msg("Tunnel controller exited")
			}
		}(ctrl)
	}

	s.mu.Lock()
	s.pool = utils.NewWorkerPool(constants.CommandWorkers)
	s.mu.Unlock()

	token := s.mqttClient.Subscribe(s.commandTopic(), byte(s.qos), s.handleCommand)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Str("topic", s.commandTopic()).Msg("Failed to subscribe to command topic")
		s.shutdown()
		return fmt.Errorf("failed to subscribe to %s: %w", s.commandTopic(), err)
	}

	for _, cfg := range s.tunnels {
		if !cfg.AutoStart {
			continue
		}
		if ctrl, ok := s.controllers.Get(cfg.Name); ok {
			if err := ctrl.Start(); err != nil {
				s.logger.Error().Err(err).Str("tunnel", cfg.Name).Msg("Failed to auto start tunnel")
			}
		}
	}

	s.logger.Info().Str("topic", s.commandTopic()).Int("tunnels", len(controllers)).Msg("TunnelService started successfully")
	return nil
}

// Stop unsubscribes, stops every controller and waits for them to close their sessions.
func (s *TunnelService) Stop() error {
	if s.ctx == nil {
		s.logger.Warn().Msg("TunnelService is not running")
		return errors.New("tunnel service is not running")
	}

	token := s.mqttClient.Unsubscribe(s.commandTopic())
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to unsubscribe from command topic")
	}

	s.shutdown()
	s.logger.Info().Msg("TunnelService stopped successfully")
	return nil
}

func (s *TunnelService) shutdown() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()
	if pool != nil {
		pool.Shutdown()
	}

	s.cancel()
	s.wg.Wait()
	s.events.close()
	s.publisher.Wait()

	s.controllers.Clear()
	s.ctx = nil
	s.cancel = nil
}

// Notify implements tunnel.Notifier. It never blocks the controller loop, and events
// queued while the service runs are all published, in order.
func (s *TunnelService) Notify(name string, n tunnel.Notification) {
	ev := models.TunnelEvent{
		DeviceID:  s.deviceInfo.GetDeviceID(),
		Tunnel:    name,
		Timestamp: time.Now(),
	}
	switch v := n.(type) {
	case tunnel.Started:
		ev.Event = constants.EventTunnelStarted
		ev.LocalPort = v.LocalPort
	case tunnel.Closed:
		ev.Event = constants.EventTunnelClosed
		ev.Message = v.Message
		if v.Cause != nil {
			ev.Cause = v.Cause.Error()
		}
	default:
		return
	}

	if !s.events.push(ev) {
		s.logger.Warn().Str("tunnel", name).Str("event", ev.Event).Msg("TunnelService is stopped, dropping tunnel event")
	}
}

func (s *TunnelService) publishEvents() {
	for {
		batch, ok := s.events.take()
		if !ok {
			return
		}
		for _, ev := range batch {
			s.publish(s.eventTopic(), ev)
		}
	}
}

func (s *TunnelService) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to serialize tunnel message")
		return
	}
	token := s.mqttClient.Publish(topic, byte(s.qos), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish tunnel message")
		return
	}
	s.logger.Debug().Str("topic", topic).Msg("Tunnel message published")
}

// handleCommand is the MQTT callback. Commands are handled off the paho router goroutine.
func (s *TunnelService) handleCommand(_ MQTT.Client, msg MQTT.Message) {
	var cmd models.TunnelCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		s.logger.Error().Err(err).Msg("Failed to parse tunnel command")
		return
	}

	// Never block paho's router goroutine.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		s.logger.Warn().Str("action", cmd.Action).Msg("TunnelService is stopping, dropping command")
		return
	}
	if !s.pool.TrySubmit(func() { s.processCommand(cmd) }) {
		s.logger.Warn().Str("action", cmd.Action).Str("tunnel", cmd.Tunnel).Msg("Command workers busy, dropping command")
	}
}

func (s *TunnelService) processCommand(cmd models.TunnelCommand) {
	log := s.logger.With().Str("action", cmd.Action).Str("tunnel", cmd.Tunnel).Str("request_id", cmd.RequestID).Logger()

	targets, err := s.targets(cmd.Tunnel)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring tunnel command")
		if cmd.Action == constants.ActionStatus {
			s.publish(s.statusTopic(), models.StatusReply{RequestID: cmd.RequestID, DeviceID: s.deviceInfo.GetDeviceID(), Tunnels: []models.StatusSnapshot{}})
		}
		return
	}

	switch cmd.Action {
	case constants.ActionStart:
		for _, c := range targets {
			if err := c.Start(); err != nil {
				log.Error().Err(err).Str("tunnel", c.Name()).Msg("Failed to start tunnel")
			}
		}
	case constants.ActionStop:
		for _, c := range targets {
			if err := c.Stop(); err != nil {
				log.Error().Err(err).Str("tunnel", c.Name()).Msg("Failed to stop tunnel")
			}
		}
	case constants.ActionStatus:
		ctx, cancel := context.WithTimeout(context.Background(), s.commandTimeout)
		defer cancel()
		s.publish(s.statusTopic(), models.StatusReply{
			RequestID: cmd.RequestID,
			DeviceID:  s.deviceInfo.GetDeviceID(),
			Tunnels:   s.collect(ctx, targets),
		})
	default:
		log.Warn().Msg("Unknown tunnel command")
		return
	}
	log.Debug().Msg("Tunnel command processed")
}

// targets resolves a tunnel name; empty means every tunnel, sorted by name.
func (s *TunnelService) targets(name string) ([]*tunnel.Controller, error) {
	if name != "" {
		c, ok := s.controllers.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tunnel %q", name)
		}
		return []*tunnel.Controller{c}, nil
	}

	keys := s.controllers.Keys()
	sort.Strings(keys)
	out := make([]*tunnel.Controller, 0, len(keys))
	for _, k := range keys {
		if c, ok := s.controllers.Get(k); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *TunnelService) collect(ctx context.Context, targets []*tunnel.Controller) []models.StatusSnapshot {
	out := make([]models.StatusSnapshot, 0, len(targets))
	for _, c := range targets {
		snap, err := c.Status(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("tunnel", c.Name()).Msg("Failed to retrieve tunnel status")
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Statuses returns the status of every tunnel, sorted by name.
func (s *TunnelService) Statuses(ctx context.Context) []models.StatusSnapshot {
	targets, _ := s.targets("")
	return s.collect(ctx, targets)
}
