package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is loaded from LANRELAY_* environment variables.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8120"`
	DBURL          string        `envconfig:"DB_URL"`
	InstanceName   string        `envconfig:"INSTANCE_NAME"`
	AdvertiseHost  string        `envconfig:"ADVERTISE_HOST"`
	DiscoveryPort  int           `envconfig:"DISCOVERY_PORT" default:"8124"`
	BeaconInterval time.Duration `envconfig:"BEACON_INTERVAL" default:"3s"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("lanrelay", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return errors.New("discovery port must be a valid port number")
	}
	if c.BeaconInterval < time.Second {
		return errors.New("beacon interval must be at least one second")
	}
	return nil
}
