package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/sfusignal/internal/protocol"
)

const envPrefix = "SFUSIGNAL"

// RelayConfig configures the relay server process.
type RelayConfig struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	SFUURL         string        `mapstructure:"sfu_url"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	LogLevel       string        `mapstructure:"log_level"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	// SlowClientPolicy is "disconnect" or "tolerant".
	SlowClientPolicy string `mapstructure:"slow_client_policy"`
	// RateLimit caps inbound messages per client within RateInterval; zero
	// disables the cap.
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type IceServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// ClientConfig configures a client session.
type ClientConfig struct {
	ServerURL              string        `mapstructure:"server_url"`
	IceServers             []IceServer   `mapstructure:"ice_servers"`
	MaxPublishRetries      int           `mapstructure:"max_publish_retries"`
	PublishRetryInterval   time.Duration `mapstructure:"publish_retry_interval"`
	MaxSubscribeRetries    int           `mapstructure:"max_subscribe_retries"`
	SubscribeRetryInterval time.Duration `mapstructure:"subscribe_retry_interval"`
	LogLevel               string        `mapstructure:"log_level"`
}

// ICEServers converts the configured servers to their wire form.
func (c *ClientConfig) ICEServers() []protocol.IceServer {
	out := make([]protocol.IceServer, 0, len(c.IceServers))
	for _, s := range c.IceServers {
		out = append(out, protocol.IceServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func setRelayDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("sfu_url", "ws://127.0.0.1:3333")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("slow_client_policy", "disconnect")
	v.SetDefault("rate_limit", 200)
	v.SetDefault("rate_interval", "1s")
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("ice_servers", []map[string]any{})
	v.SetDefault("max_publish_retries", 3)
	v.SetDefault("publish_retry_interval", "5s")
	v.SetDefault("max_subscribe_retries", 20)
	v.SetDefault("subscribe_retry_interval", "500ms")
	v.SetDefault("log_level", "info")
}

// LoadRelay reads config/relay.<env>.yaml on top of defaults.
func LoadRelay() (*RelayConfig, error) {
	v := viper.New()
	setRelayDefaults(v)
	if err := read(v, "relay"); err != nil {
		return nil, err
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse relay config: %w", err)
	}
	if cfg.SFUURL == "" {
		return nil, errors.New("sfu_url is required")
	}
	switch cfg.SlowClientPolicy {
	case "disconnect", "tolerant":
	default:
		return nil, fmt.Errorf("unknown slow_client_policy %q", cfg.SlowClientPolicy)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("sfu", cfg.SFUURL).
		Msg("relay config loaded")
	return &cfg, nil
}

// LoadClient reads config/client.<env>.yaml on top of defaults. v may carry
// already bound flags; nil means a fresh instance.
func LoadClient(v *viper.Viper) (*ClientConfig, error) {
	if v == nil {
		v = viper.New()
	}
	setClientDefaults(v)
	if err := read(v, "client"); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if cfg.MaxPublishRetries < 0 || cfg.MaxSubscribeRetries < 0 {
		return nil, errors.New("retry counts must not be negative")
	}
	log.Info().Str("module", "config").
		Str("server", cfg.ServerURL).
		Int("ice_servers", len(cfg.IceServers)).
		Msg("client config loaded")
	return &cfg, nil
}

func read(v *viper.Viper, name string) error {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", name, env)

	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
			return nil
		}
		return fmt.Errorf("read %s: %w", fileName, err)
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("config file loaded")
	return nil
}
