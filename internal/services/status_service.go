package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/rs/zerolog"
)

// StatusSource provides the snapshots included in a status report.
type StatusSource interface {
	Statuses(ctx context.Context) []models.StatusSnapshot
}

// StatusService periodically publishes the status of all tunnels.
type StatusService struct {
	PubTopic   string
	Interval   time.Duration
	DeviceInfo identity.DeviceInfoInterface
	QOS        int
	MqttClient mqtt.MQTTClient
	Source     StatusSource
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusService initializes a new StatusService.
func NewStatusService(pubTopic string, interval time.Duration, deviceInfo identity.DeviceInfoInterface,
	qos int, mqttClient mqtt.MQTTClient, source StatusSource, logger zerolog.Logger) *StatusService {

	if interval <= 0 {
		interval = constants.StatusInterval
	}
	return &StatusService{
		PubTopic:   pubTopic,
		Interval:   interval,
		DeviceInfo: deviceInfo,
		QOS:        qos,
		MqttClient: mqttClient,
		Source:     source,
		Logger:     logger.With().Str("service", "status").Logger(),
	}
}

// Start launches the status loop in a separate goroutine.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.Logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatusLoop()
	}()

	s.Logger.Info().Str("topic", s.topic()).Dur("interval", s.Interval).Msg("StatusService started successfully")
	return nil
}

// Stop gracefully stops the status service.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.Logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.Logger.Info().Msg("StatusService stopped successfully")
	return nil
}

func (s *StatusService) topic() string {
	return fmt.Sprintf("%s/%s", s.PubTopic, s.DeviceInfo.GetDeviceID())
}

func (s *StatusService) runStatusLoop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publishReport()
		case <-s.ctx.Done():
			s.Logger.Info().Msg("StatusService stopping gracefully")
			return
		}
	}
}

func (s *StatusService) publishReport() {
	ctx, cancel := context.WithTimeout(s.ctx, constants.CommandTimeout)
	defer cancel()

	report := models.StatusReport{
		DeviceID:  s.DeviceInfo.GetDeviceID(),
		Timestamp: time.Now(),
		Tunnels:   s.Source.Statuses(ctx),
	}

	payload, err := json.Marshal(report)
	if err != nil {
		s.Logger.Error().Err(err).Msg("Failed to serialize status report")
		return
	}

	token := s.MqttClient.Publish(s.topic(), byte(s.QOS), false, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to publish status report")
	} else {
		s.Logger.Debug().Int("tunnels", len(report.Tunnels)).Msg("Status report published successfully")
	}
}
