package service_registry

import (
	"errors"
	"fmt"

	"github.com/benmeehan/iot-tunnel/internal/audit"
	"github.com/benmeehan/iot-tunnel/internal/services"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/benmeehan/iot-tunnel/pkg/identity"
	"github.com/benmeehan/iot-tunnel/pkg/mqtt"
	"github.com/rs/zerolog"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services     map[string]Service // Stores registered services
	serviceKeys  []string           // Maintains order of service registration
	mqttClient   mqtt.MQTTClient
	auditor      audit.Logger
	newTransport services.TransportFactory
	Logger       zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
// A nil transport factory selects the SSH transport.
func NewServiceRegistry(mqttClient mqtt.MQTTClient, auditor audit.Logger, newTransport services.TransportFactory,
	logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:     make(map[string]Service),
		mqttClient:   mqttClient,
		auditor:      auditor,
		newTransport: newTransport,
		Logger:       logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Service returns a registered service by name.
func (sr *ServiceRegistry) Service(name string) (Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deviceInfo identity.DeviceInfoInterface) error {
	var tunnelService *services.TunnelService

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (Service, error)
	}{
		{
			name:    "tunnel",
			enabled: config.Services.Tunnel.Enabled,
			constructor: func() (Service, error) {
				tunnelService = services.NewTunnelService(
					config.Services.Tunnel.Topic,
					config.Services.Tunnel.QOS,
					config.Services.Tunnel.CommandTimeout,
					config.Tunnels,
					deviceInfo,
					sr.mqttClient,
					sr.newTransport,
					sr.auditor,
					sr.Logger,
				)
				return tunnelService, nil
			},
		},
		{
			name:    "status",
			enabled: config.Services.Status.Enabled,
			constructor: func() (Service, error) {
				if tunnelService == nil {
					return nil, errors.New("status service requires the tunnel service")
				}
				return services.NewStatusService(
					config.Services.Status.Topic,
					config.Services.Status.Interval,
					deviceInfo,
					config.Services.Status.QOS,
					sr.mqttClient,
					tunnelService,
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
