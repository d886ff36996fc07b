package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	DBPath     string        `mapstructure:"db_path"`
	RelayURL   string        `mapstructure:"relay_url"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	// RingTimeout bounds how long an unanswered outgoing call keeps
	// ringing and how long an unaccepted incoming prompt stays up.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`

	// TURNServers is a JSON array of {urls, username, credential}.
	// Usually injected via DUOCALL_TURN_SERVERS.
	TURNServers string `mapstructure:"turn_servers"`

	ICEPoolSize int `mapstructure:"ice_pool_size"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("duocall")
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "duocall.db")
	v.SetDefault("relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("ping_period", "54s")
	v.SetDefault("ring_timeout", "60s")
	v.SetDefault("ice_pool_size", 10)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
