package live

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the on-disk configuration of a server process.
// Fields left out of the file keep their defaults.
//
//	addr: ":8080"
//	api_secret: "..."
//	allowed_origins: ["https://app.example.com"]
//	read_timeout: 60s
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ApiSecret      string        `yaml:"api_secret"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	EventBuffer    int           `yaml:"event_buffer_size"`
	SendBuffer     int           `yaml:"send_buffer_size"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxBodySize    int64         `yaml:"max_body_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
}

func DefaultServerConfig() *ServerConfig {
	serverSettings := DefaultServerSettings()
	apiSettings := DefaultApiSettings()
	return &ServerConfig{
		Addr:           ":8080",
		EventBuffer:    serverSettings.EventBufferSize,
		SendBuffer:     serverSettings.SendBufferSize,
		MaxMessageSize: serverSettings.MaxMessageSize,
		MaxBodySize:    apiSettings.MaxBodySize,
		WriteTimeout:   serverSettings.WriteTimeout,
		ReadTimeout:    serverSettings.ReadTimeout,
		PingTimeout:    serverSettings.PingTimeout,
	}
}

// LoadServerConfig reads a yaml file over the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseServerConfig(configBytes)
}

func ParseServerConfig(configBytes []byte) (*ServerConfig, error) {
	config := DefaultServerConfig()
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *ServerConfig) Validate() error {
	if self.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if self.EventBuffer < 0 || self.SendBuffer < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	if self.PingTimeout <= 0 || self.ReadTimeout <= self.PingTimeout {
		return fmt.Errorf("read_timeout (%s) must be longer than ping_timeout (%s)", self.ReadTimeout, self.PingTimeout)
	}
	if self.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}

func (self *ServerConfig) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	settings.EventBufferSize = self.EventBuffer
	settings.SendBufferSize = self.SendBuffer
	settings.MaxMessageSize = self.MaxMessageSize
	settings.WriteTimeout = self.WriteTimeout
	settings.ReadTimeout = self.ReadTimeout
	settings.PingTimeout = self.PingTimeout
	settings.AllowedOrigins = self.AllowedOrigins
	return settings
}

func (self *ServerConfig) ApiSettings() *ApiSettings {
	settings := DefaultApiSettings()
	settings.Secret = self.ApiSecret
	settings.MaxBodySize = self.MaxBodySize
	return settings
}
