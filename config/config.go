// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServiceName    string `envconfig:"SERVICE_NAME" default:"rescue-service"`
	ServiceAddress string `envconfig:"SERVICE_ADDRESS" default:"rescue-service"`
	ServicePort    int    `envconfig:"SERVICE_PORT" default:"8086"`

	// GrpcPort serves gRPC health and reflection; 0 disables it
	GrpcPort       int           `envconfig:"GRPC_PORT" default:"50051"`
	HealthInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"15s"`

	LogFile  string `envconfig:"LOG_FILE" default:"/var/log/rescue-service/rescue-service.log"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	MongoURI            string `envconfig:"MONGO_URI" default:"mongodb://mongodb:27017/rescuedb?replicaSet=rs0"`
	MongoDatabase       string `envconfig:"MONGO_DATABASE" default:"rescuedb"`
	MongoConnectRetries int    `envconfig:"MONGO_CONNECT_RETRIES" default:"5"`

	ConsulAddress string `envconfig:"CONSUL_ADDRESS"`
	OTLPEndpoint  string `envconfig:"OTLP_ENDPOINT"`

	KafkaBootstrapServers string        `envconfig:"KAFKA_BOOTSTRAP_SERVERS"`
	SchemaRegistryURL     string        `envconfig:"SCHEMA_REGISTRY_URL" default:"http://schema-registry:8081"`
	KafkaTopic            string        `envconfig:"KAFKA_TOPIC" default:"emergency-events"`
	OutboxInterval        time.Duration `envconfig:"OUTBOX_INTERVAL" default:"5s"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	NodeID    string `envconfig:"NODE_ID"`

	RescueKeywords []string `envconfig:"RESCUE_KEYWORDS" default:"rescue,cứu hộ"`
	SearchTimezone string   `envconfig:"SEARCH_TIMEZONE" default:"Asia/Ho_Chi_Minh"`
	AcceptOverride bool     `envconfig:"ACCEPT_OVERRIDE" default:"false"`
}

// Load reads .env when present, then the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve node id: %w", err)
		}
		cfg.NodeID = host
	}
	keywords := cfg.RescueKeywords[:0]
	for _, k := range cfg.RescueKeywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	cfg.RescueKeywords = keywords
	if len(cfg.RescueKeywords) == 0 {
		return nil, errors.New("RESCUE_KEYWORDS must name at least one keyword")
	}
	if cfg.ServicePort <= 0 || cfg.ServicePort > 65535 {
		return nil, fmt.Errorf("invalid SERVICE_PORT %d", cfg.ServicePort)
	}
	if cfg.GrpcPort < 0 || cfg.GrpcPort > 65535 || (cfg.GrpcPort != 0 && cfg.GrpcPort == cfg.ServicePort) {
		return nil, fmt.Errorf("invalid GRPC_PORT %d", cfg.GrpcPort)
	}
	if cfg.HealthInterval <= 0 {
		return nil, fmt.Errorf("invalid HEALTH_CHECK_INTERVAL %s", cfg.HealthInterval)
	}
	return &cfg, nil
}

// Location resolves SearchTimezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.SearchTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid SEARCH_TIMEZONE %q: %w", c.SearchTimezone, err)
	}
	return loc, nil
}

// GrpcListenAddr is the gRPC listen address, empty when disabled
func (c *Config) GrpcListenAddr() string {
	if c.GrpcPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.GrpcPort)
}

// ListenAddr is the HTTP listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ServicePort)
}
