// Package config loads the daemon's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config holds every external parameter of the daemon, per the fixed
// YAML surface. There is no hot reload: Load runs once at boot.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	I2C      I2CConfig      `yaml:"i2c"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	RESTAPI  RESTAPIConfig  `yaml:"rest_api"`
	UART     UARTConfig     `yaml:"uart"`
	OneWire  OneWireConfig  `yaml:"onewire"`
	CCM      CCMConfig      `yaml:"ccm"`
}

// DaemonConfig holds process-wide settings.
type DaemonConfig struct {
	HouseID          string `yaml:"house_id"`
	SensorIntervalSec int   `yaml:"sensor_interval_sec"`
}

// I2CConfig describes the relay expander bus.
type I2CConfig struct {
	Bus           int    `yaml:"bus"`
	MCP23008Addr  uint16 `yaml:"mcp23008_addr"`
}

// GPIOConfig describes the emergency-switch input lines.
type GPIOConfig struct {
	Chip    string `yaml:"chip"`
	DILines []int  `yaml:"di_lines"`
}

// MQTTConfig describes the broker connection.
type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive"`
	ClientID  string `yaml:"client_id"`
}

// RESTAPIConfig describes the HTTP surface.
type RESTAPIConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// UARTConfig describes the weather station serial port.
type UARTConfig struct {
	WeatherPort string `yaml:"weather_port"`
	WeatherBaud int    `yaml:"weather_baud"`
}

// OneWireConfig lists the DS18B20 soil-temperature devices to poll.
// An empty Devices list means "discover all devices under the sysfs root".
type OneWireConfig struct {
	Devices []string `yaml:"devices"`
}

// CCMConfig describes the UECS-CCM multicast receiver.
type CCMConfig struct {
	MulticastAddr string `yaml:"multicast_addr"`
	MulticastPort int    `yaml:"multicast_port"`
	Enabled       bool   `yaml:"enabled"`
}

// Package-level singleton, mirroring the supervisor's single-load-at-boot
// contract: InitGlobal sets it exactly once, Get reads it from anywhere.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads and validates the YAML configuration at path, applying
// documented defaults for any key left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Daemon.HouseID == "" {
		c.Daemon.HouseID = "house1"
	}
	if c.Daemon.SensorIntervalSec == 0 {
		c.Daemon.SensorIntervalSec = 10
	}
	if c.I2C.Bus == 0 {
		c.I2C.Bus = 1
	}
	if c.I2C.MCP23008Addr == 0 {
		c.I2C.MCP23008Addr = 0x20
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = "gpiochip0"
	}
	if len(c.GPIO.DILines) == 0 {
		c.GPIO.DILines = []int{7, 8, 9, 10, 11, 12, 13, 14}
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Keepalive == 0 {
		c.MQTT.Keepalive = 60
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "agriha-controld"
	}
	if c.RESTAPI.Host == "" {
		c.RESTAPI.Host = "0.0.0.0"
	}
	if c.RESTAPI.Port == 0 {
		c.RESTAPI.Port = 8080
	}
	if c.UART.WeatherPort == "" {
		c.UART.WeatherPort = "/dev/ttyUSB0"
	}
	if c.UART.WeatherBaud == 0 {
		c.UART.WeatherBaud = 9600
	}
	if c.CCM.MulticastAddr == "" {
		c.CCM.MulticastAddr = "224.0.0.1"
	}
	if c.CCM.MulticastPort == 0 {
		c.CCM.MulticastPort = 16520
	}
}

func (c *Config) validate() error {
	if c.Daemon.HouseID == "" {
		return fmt.Errorf("daemon.house_id is required")
	}
	if len(c.GPIO.DILines) != 8 {
		return fmt.Errorf("gpio.di_lines must list exactly 8 lines, got %d", len(c.GPIO.DILines))
	}
	if c.I2C.Bus < 0 {
		return fmt.Errorf("i2c.bus must be >= 0")
	}
	return nil
}

// InitGlobal loads the configuration exactly once and installs it as the
// process-wide instance. Subsequent calls are no-ops.
func InitGlobal(path string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(path)
	})
	return err
}

// Get returns the process-wide configuration. InitGlobal must have
// succeeded first; otherwise this returns nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
