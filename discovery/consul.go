// Package discovery registers the service with Consul.
package discovery

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/consul/api"
)

// Registration describes the instance advertised to Consul
type Registration struct {
	ConsulAddress string
	ServiceName   string
	Address       string
	Port          int
	Tags          []string
}

// ServiceID is unique per name and port
func (r Registration) ServiceID() string {
	return fmt.Sprintf("%s-%d", r.ServiceName, r.Port)
}

func (r Registration) agentRegistration() *api.AgentServiceRegistration {
	return &api.AgentServiceRegistration{
		ID:      r.ServiceID(),
		Name:    r.ServiceName,
		Port:    r.Port,
		Address: r.Address,
		Tags:    r.Tags,
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", r.Address, r.Port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
}

// Register announces the service and returns a func that deregisters it
func Register(r Registration, logger *slog.Logger) (func(), error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = r.ConsulAddress
	client, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	if err := client.Agent().ServiceRegister(r.agentRegistration()); err != nil {
		return nil, fmt.Errorf("failed to register with Consul: %w", err)
	}
	logger.Info("Registered with Consul", "serviceID", r.ServiceID(), "consul", r.ConsulAddress)

	return func() {
		if err := client.Agent().ServiceDeregister(r.ServiceID()); err != nil {
			logger.Error("Failed to deregister from Consul", "error", err, "serviceID", r.ServiceID())
			return
		}
		logger.Info("Deregistered from Consul", "serviceID", r.ServiceID())
	}, nil
}
