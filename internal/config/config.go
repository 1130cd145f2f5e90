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
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Call     CallConfig     `mapstructure:"call"`
	Location LocationConfig `mapstructure:"location"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// CallConfig tunes the client-side call layer.
type CallConfig struct {
	// RingTimeout bounds an unanswered outbound call; the channel gives no
	// delivery guarantees, so the caller must ring out on its own.
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

// LocationConfig tunes frame emission and the relay-side flood guard.
type LocationConfig struct {
	MinDistanceMeters float64       `mapstructure:"min_distance_meters"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	FrameRateLimit    int           `mapstructure:"frame_rate_limit"`
	FrameRateInterval time.Duration `mapstructure:"frame_rate_interval"`
}

type NotifyConfig struct {
	Window time.Duration `mapstructure:"window"`
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

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("location.min_distance_meters", 25.0)
	v.SetDefault("location.min_interval", "15s")
	v.SetDefault("location.frame_rate_limit", 30)
	v.SetDefault("location.frame_rate_interval", "1m")
	v.SetDefault("notify.window", "5m")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d\n", cfg.Mode, cfg.Port)
	return &cfg, nil
}
