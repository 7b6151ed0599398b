package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Chat     ChatConfig  `mapstructure:"chat"`
	DBFile   string      `mapstructure:"db_file"`
	ViewAddr string      `mapstructure:"view_addr"`
	Relay    RelayConfig `mapstructure:"relay"`
	Log      LogConfig   `mapstructure:"log"`
}

type ChatConfig struct {
	URL          string        `mapstructure:"url"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	CapDelay     time.Duration `mapstructure:"cap_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type RelayConfig struct {
	Addr        string `mapstructure:"addr"`
	HistorySize int    `mapstructure:"history_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads defaults, an optional YAML file and the environment, in that
// order of precedence from lowest to highest. An empty configPath looks for
// alaschat.yaml in the working directory and ./config. cliMode skips the
// checks that only the long-running client needs.
func Load(configPath string, cliMode bool) (*Config, error) {
	v := viper.New()

	v.SetDefault("chat.url", "ws://localhost:8000/")
	v.SetDefault("chat.ping_interval", "30s")
	v.SetDefault("chat.pong_wait", "60s")
	v.SetDefault("chat.write_wait", "10s")
	v.SetDefault("chat.dial_timeout", "15s")
	v.SetDefault("chat.base_delay", "1s")
	v.SetDefault("chat.cap_delay", "30s")
	v.SetDefault("chat.max_attempts", 5)
	v.SetDefault("db_file", "alaschat.db")
	v.SetDefault("view_addr", "localhost:8090")
	v.SetDefault("relay.addr", ":8000")
	v.SetDefault("relay.history_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("chat.url", "CHAT_URL")
	_ = v.BindEnv("db_file", "ALAS_DB")
	_ = v.BindEnv("view_addr", "VIEW_ADDR")
	_ = v.BindEnv("relay.addr", "RELAY_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("alaschat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.ViewAddr == "" {
		return fmt.Errorf("view_addr is required")
	}
	if cliMode {
		return nil
	}

	u, err := url.Parse(c.Chat.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("chat.url must be a ws:// or wss:// URL, got %q", c.Chat.URL)
	}

	if c.Chat.PingInterval <= 0 {
		return fmt.Errorf("chat.ping_interval must be greater than 0")
	}
	if c.Chat.PongWait > 0 && c.Chat.PongWait <= c.Chat.PingInterval {
		return fmt.Errorf("chat.pong_wait must be longer than chat.ping_interval")
	}
	if c.Chat.BaseDelay <= 0 || c.Chat.CapDelay < c.Chat.BaseDelay {
		return fmt.Errorf("chat.base_delay must be positive and not above chat.cap_delay")
	}
	if c.Chat.MaxAttempts <= 0 {
		return fmt.Errorf("chat.max_attempts must be greater than 0")
	}
	if c.Relay.HistorySize <= 0 {
		return fmt.Errorf("relay.history_size must be greater than 0")
	}

	return nil
}
