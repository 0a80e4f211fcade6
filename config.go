package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mil-ad/posbridge/internal/registry"
	"github.com/mil-ad/posbridge/internal/transport"
)

func configPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "posbridge", "config.json")
}

func socketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "posbridge.sock")
}

// Duration reads "5s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the daemon configuration file.
type Config struct {
	Socket             string   `json:"socket,omitempty"`
	Adapter            string   `json:"adapter,omitempty"`
	ConnectPolicy      string   `json:"connect_policy,omitempty"` // "replace" | "reuse" | "reject"
	TCPTimeout         Duration `json:"tcp_timeout,omitempty"`
	TCPWriteTimeout    Duration `json:"tcp_write_timeout,omitempty"`
	DefaultTCPPort     int      `json:"default_tcp_port,omitempty"`
	RFCOMMMode         string   `json:"rfcomm_mode,omitempty"` // "profile" | "channel"
	RFCOMMChannel      uint8    `json:"rfcomm_channel,omitempty"`
	RFCOMMWriteTimeout Duration `json:"rfcomm_write_timeout,omitempty"`
	LogLevel           string   `json:"log_level,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Socket:             socketPath(),
		Adapter:            "hci0",
		ConnectPolicy:      registry.ReplaceExisting.String(),
		TCPTimeout:         Duration(transport.DefaultDialTimeout),
		TCPWriteTimeout:    Duration(10 * time.Second),
		DefaultTCPPort:     registry.DefaultTCPPort,
		RFCOMMMode:         string(transport.ModeProfile),
		RFCOMMChannel:      1,
		RFCOMMWriteTimeout: Duration(10 * time.Second),
		LogLevel:           "info",
	}
}

// loadConfig reads path over the defaults. A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// validate checks values the file or flags may have broken.
func (c Config) validate() error {
	if c.Socket == "" {
		return errors.New("socket path is empty")
	}
	if _, err := registry.ParsePolicy(c.ConnectPolicy); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.DefaultTCPPort <= 0 || c.DefaultTCPPort > 65535 {
		return fmt.Errorf("default_tcp_port %d out of range", c.DefaultTCPPort)
	}
	switch transport.RFCOMMMode(c.RFCOMMMode) {
	case transport.ModeProfile, transport.ModeChannel:
	default:
		return fmt.Errorf("unknown rfcomm_mode %q", c.RFCOMMMode)
	}
	return nil
}
