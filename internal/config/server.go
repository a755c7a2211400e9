package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "CREATOR"

// ServerConfig configures the relay and control-plane processes.
type ServerConfig struct {
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`
	StateDir  string `mapstructure:"state_dir" validate:"required"`

	Relay      RelayConfig      `mapstructure:"relay"`
	Control    ControlConfig    `mapstructure:"control"`
	Automation AutomationConfig `mapstructure:"automation"`
}

type RelayConfig struct {
	Listen string `mapstructure:"listen" validate:"required,hostname_port"`
	// CompletionURL receives late replies of ack-only sends.
	CompletionURL string        `mapstructure:"completion_url" validate:"omitempty,url"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type ControlConfig struct {
	Listen       string        `mapstructure:"listen" validate:"required,hostname_port"`
	RelayURL     string        `mapstructure:"relay_url" validate:"required,url"`
	DBPath       string        `mapstructure:"db_path" validate:"required"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	AckTimeout   time.Duration `mapstructure:"ack_timeout" validate:"gte=500ms,lte=30s"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window" validate:"gt=0"`
}

type AutomationConfig struct {
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	BaseDir      string        `mapstructure:"base_dir"`
	Host         string        `mapstructure:"host" validate:"required"`
	BasePort     int           `mapstructure:"base_port" validate:"gt=0,lt=65536"`
	PortRange    int           `mapstructure:"port_range" validate:"gt=0"`
	StartTimeout time.Duration `mapstructure:"start_timeout" validate:"gt=0"`
	StopGrace    time.Duration `mapstructure:"stop_grace" validate:"gt=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("state_dir", "./var")

	v.SetDefault("relay.listen", "127.0.0.1:8090")
	v.SetDefault("relay.completion_url", "http://127.0.0.1:8080/internal/completions")
	v.SetDefault("relay.timeout", 65*time.Second)

	v.SetDefault("control.listen", "127.0.0.1:8080")
	v.SetDefault("control.relay_url", "http://127.0.0.1:8090")
	v.SetDefault("control.db_path", "./var/creator.db")
	v.SetDefault("control.token_ttl", 120*time.Second)
	v.SetDefault("control.ack_timeout", 5*time.Second)
	v.SetDefault("control.dedupe_window", 15*time.Second)

	v.SetDefault("automation.command", "")
	v.SetDefault("automation.args", []string{})
	v.SetDefault("automation.base_dir", "")
	v.SetDefault("automation.host", "127.0.0.1")
	v.SetDefault("automation.base_port", 17100)
	v.SetDefault("automation.port_range", 1000)
	v.SetDefault("automation.start_timeout", 60*time.Second)
	v.SetDefault("automation.stop_grace", 10*time.Second)
	v.SetDefault("automation.idle_timeout", 30*time.Minute)
}

// LoadServerConfig reads defaults, then the optional file at path, then
// CREATOR_* environment variables (CREATOR_RELAY_LISTEN for relay.listen).
func LoadServerConfig(path string) (ServerConfig, error) {
	v := viper.New()
	setServerDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ServerConfig{}, fmt.Errorf("invalid config field %s: %w", verrs[0].Namespace(), err)
		}
		return ServerConfig{}, err
	}
	return cfg, nil
}
