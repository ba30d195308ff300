package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/grid-x/ads"
	"gopkg.in/yaml.v3"
)

const defaultSourcePort = 32905

type endpointConfig struct {
	NetID   string `yaml:"net_id" toml:"net_id"`
	Port    int    `yaml:"port" toml:"port"`
	Address string `yaml:"address" toml:"address"`
}

type serialConfig struct {
	Address  string `yaml:"address" toml:"address"`
	BaudRate int    `yaml:"baud_rate" toml:"baud_rate"`
	DataBits int    `yaml:"data_bits" toml:"data_bits"`
	StopBits int    `yaml:"stop_bits" toml:"stop_bits"`
	Parity   string `yaml:"parity" toml:"parity"`
}

type reconnectConfig struct {
	InitialMS  int     `yaml:"initial_ms" toml:"initial_ms"`
	MaxMS      int     `yaml:"max_ms" toml:"max_ms"`
	Multiplier float64 `yaml:"multiplier" toml:"multiplier"`
	Jitter     bool    `yaml:"jitter" toml:"jitter"`
}

type config struct {
	Target         endpointConfig  `yaml:"target" toml:"target"`
	Source         endpointConfig  `yaml:"source" toml:"source"`
	ScanIntervalMS int             `yaml:"scan_interval_ms" toml:"scan_interval_ms"`
	TimeoutMS      int             `yaml:"timeout_ms" toml:"timeout_ms"`
	Serial         serialConfig    `yaml:"serial" toml:"serial"`
	Reconnect      reconnectConfig `yaml:"reconnect" toml:"reconnect"`
	MetricsAddr    string          `yaml:"metrics_addr" toml:"metrics_addr"`
	LogLevel       string          `yaml:"log_level" toml:"log_level"`
}

func defaultConfig() config {
	return config{
		Target: endpointConfig{
			NetID:   "127.0.0.1.1.1",
			Port:    int(ads.DefaultPLCPort),
			Address: "127.0.0.1",
		},
		Source: endpointConfig{
			NetID: "127.0.0.1.1.1",
			Port:  defaultSourcePort,
		},
		ScanIntervalMS: int(ads.DefaultScanInterval / time.Millisecond),
		TimeoutMS:      5000,
		Serial: serialConfig{
			BaudRate: 115200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
		Reconnect: reconnectConfig{
			InitialMS:  500,
			MaxMS:      30000,
			Multiplier: 2,
			Jitter:     true,
		},
		LogLevel: "info",
	}
}

// loadConfig reads a YAML or TOML file over the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("load config: unsupported format '%s'", filepath.Ext(path))
	}
	if err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before any connection is made.
func (c config) Validate() error {
	var errs []error
	if _, err := ads.ParseAmsNetID(c.Target.NetID); err != nil {
		errs = append(errs, fmt.Errorf("target.net_id: %w", err))
	}
	if _, err := ads.ParseAmsNetID(c.Source.NetID); err != nil {
		errs = append(errs, fmt.Errorf("source.net_id: %w", err))
	}
	if c.Target.Port <= 0 || c.Target.Port > 0xFFFF {
		errs = append(errs, fmt.Errorf("target.port: %d out of range", c.Target.Port))
	}
	if c.Source.Port <= 0 || c.Source.Port > 0xFFFF {
		errs = append(errs, fmt.Errorf("source.port: %d out of range", c.Source.Port))
	}
	if c.Target.Address == "" && c.Serial.Address == "" {
		errs = append(errs, errors.New("target.address or serial.address is required"))
	}
	if c.ScanIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("scan_interval_ms: %d must be positive", c.ScanIntervalMS))
	}
	if c.TimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("timeout_ms: %d must be positive", c.TimeoutMS))
	}
	if c.Reconnect.InitialMS < 0 || c.Reconnect.MaxMS < 0 {
		errs = append(errs, errors.New("reconnect: delays must not be negative"))
	}
	if c.Serial.Address != "" {
		switch strings.ToUpper(c.Serial.Parity) {
		case "N", "E", "O":
		default:
			errs = append(errs, fmt.Errorf("serial.parity: '%s' is not one of N, E, O", c.Serial.Parity))
		}
	}
	return errors.Join(errs...)
}

func (c config) scanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMS) * time.Millisecond
}

func (c config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c config) addrs() (target, source ads.AmsAddr, err error) {
	if target.NetID, err = ads.ParseAmsNetID(c.Target.NetID); err != nil {
		return
	}
	if source.NetID, err = ads.ParseAmsNetID(c.Source.NetID); err != nil {
		return
	}
	target.Port = uint16(c.Target.Port)
	source.Port = uint16(c.Source.Port)
	return
}

func (c config) backoff() ads.BackoffConfig {
	return ads.BackoffConfig{
		InitialDelay: time.Duration(c.Reconnect.InitialMS) * time.Millisecond,
		Multiplier:   c.Reconnect.Multiplier,
		MaxDelay:     time.Duration(c.Reconnect.MaxMS) * time.Millisecond,
		Jitter:       c.Reconnect.Jitter,
	}
}
