package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/mocks"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/services"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticSource []models.StatusSnapshot

func (s staticSource) Statuses(context.Context) []models.StatusSnapshot { return s }

func TestStatusService_StartStop(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return(deviceID)

	s := services.NewStatusService("tunnel/status", time.Hour, deviceInfo, 1, new(mocks.MockMQTTClient), staticSource{}, zerolog.Nop())

	assert.NoError(t, s.Start())
	err := s.Start()
	assert.Error(t, err)
	assert.Equal(t, "status service is already running", err.Error())

	assert.NoError(t, s.Stop())
	err = s.Stop()
	assert.Error(t, err)
	assert.Equal(t, "status service is not running", err.Error())
}

func TestStatusService_PublishesReports(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return(deviceID)

	published := make(chan []byte, 4)
	mqttClient := new(mocks.MockMQTTClient)
	mqttClient.On("Publish", "tunnel/status/"+deviceID, byte(1), false, mock.Anything).
		Run(func(args mock.Arguments) { published <- args.Get(3).([]byte) }).
		Return(mocks.NewCompletedToken(nil))

	source := staticSource{{Tunnel: "broker", State: models.StatusOpen, Detail: "tunnel established"}}
	s := services.NewStatusService("tunnel/status", 20*time.Millisecond, deviceInfo, 1, mqttClient, source, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case payload := <-published:
		var report models.StatusReport
		require.NoError(t, json.Unmarshal(payload, &report))
		assert.Equal(t, deviceID, report.DeviceID)
		require.Len(t, report.Tunnels, 1)
		assert.Equal(t, models.StatusOpen, report.Tunnels[0].State)
		assert.False(t, report.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no status report published")
	}
}

func TestStatusService_PublishErrorKeepsRunning(t *testing.T) {
	deviceInfo := new(mocks.MockDeviceInfo)
	deviceInfo.On("GetDeviceID").Return(deviceID)

	calls := make(chan struct{}, 8)
	mqttClient := new(mocks.MockMQTTClient)
	mqttClient.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { calls <- struct{}{} }).
		Return(mocks.NewCompletedToken(errors.New("broker unavailable")))

	s := services.NewStatusService("tunnel/status", 10*time.Millisecond, deviceInfo, 0, mqttClient, staticSource{}, zerolog.Nop())
	require.NoError(t, s.Start())
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("status loop stopped after a publish error")
		}
	}
}
