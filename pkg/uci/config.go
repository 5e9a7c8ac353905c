package uci

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/starfail/fixgate/pkg"
	"github.com/starfail/fixgate/pkg/sampling"
)

// Config represents the fixgate configuration
type Config struct {
	Main MainConfig `json:"main"`
	MQTT MQTTConfig `json:"mqtt"`
}

// MainConfig holds the tracking settings of the "main" section
type MainConfig struct {
	DeviceID              string           `json:"device_id"`
	IntervalS             int              `json:"interval"`
	IntervalChargingS     int              `json:"interval_charging"`
	DistanceM             float64          `json:"distance"`
	AngleDeg              float64          `json:"angle"`
	DistanceAngleCharging bool             `json:"distance_angle_charging"`
	PowerAsIgnition       bool             `json:"power_as_ignition"`
	TemperatureMonitoring bool             `json:"temperature_monitoring"`
	Accuracy              pkg.AccuracyTier `json:"accuracy"`
	LogLevel              string           `json:"log_level"`
	HealthListen          string           `json:"health_listen"`
	Metrics               bool             `json:"metrics"`
}

// MQTTConfig holds the local broker settings of the "mqtt" section
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"-"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
}

// Default configuration values
const (
	ConfigName               = "fixgate"
	DefaultDeviceID          = "undefined"
	DefaultIntervalS         = 600
	DefaultIntervalChargingS = 60
	DefaultLogLevel          = "info"
	DefaultHealthListen      = ":9101"
	DefaultMQTTBroker        = "localhost"
	DefaultMQTTPort          = 1883
	DefaultMQTTClientID      = "fixgated"
	DefaultMQTTTopicPrefix   = "fixgate"

	// MaxIntervalS bounds interval and interval_charging; one year
	MaxIntervalS = 365 * 24 * 60 * 60
)

// Default returns the configuration used when no settings exist
func Default() *Config {
	return &Config{
		Main: MainConfig{
			DeviceID:          DefaultDeviceID,
			IntervalS:         DefaultIntervalS,
			IntervalChargingS: DefaultIntervalChargingS,
			Accuracy:          pkg.AccuracyMedium,
			LogLevel:          DefaultLogLevel,
			HealthListen:      DefaultHealthListen,
			Metrics:           true,
		},
		MQTT: MQTTConfig{
			Broker:      DefaultMQTTBroker,
			Port:        DefaultMQTTPort,
			ClientID:    DefaultMQTTClientID,
			TopicPrefix: DefaultMQTTTopicPrefix,
			QoS:         1,
		},
	}
}

// LoadConfig loads and validates the configuration from a UCI file.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse UCI config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads UCI file syntax:
//
//	config fixgate 'main'
//		option interval '600'
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	scanner := bufio.NewScanner(r)
	var section string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "config":
			section = ""
			if len(parts) >= 3 {
				section = unquote(parts[2])
			} else if len(parts) == 2 {
				section = unquote(parts[1])
			}
		case "option":
			if len(parts) < 2 {
				return nil, fmt.Errorf("line %d: option without name", lineNo)
			}
			value := ""
			if len(parts) >= 3 {
				value = unquote(strings.Join(parts[2:], " "))
			}
			if err := cfg.set(section, parts[1], value); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func unquote(s string) string {
	return strings.Trim(s, "'\"")
}

// set applies one option. Unknown sections and options are ignored so
// newer settings files still load; malformed values are errors.
func (c *Config) set(section, option, value string) error {
	switch section {
	case "main":
		return c.setMain(option, value)
	case "mqtt":
		return c.setMQTT(option, value)
	}
	return nil
}

func (c *Config) setMain(option, value string) error {
	var err error
	m := &c.Main
	switch option {
	case "device_id":
		m.DeviceID = value
	case "interval":
		m.IntervalS, err = parseInt(option, value)
	case "interval_charging":
		m.IntervalChargingS, err = parseInt(option, value)
	case "distance":
		m.DistanceM, err = parseFloat(option, value)
	case "angle":
		m.AngleDeg, err = parseFloat(option, value)
	case "distance_angle_charging":
		m.DistanceAngleCharging, err = parseBool(option, value)
	case "power_as_ignition":
		m.PowerAsIgnition, err = parseBool(option, value)
	case "temperature_monitoring":
		m.TemperatureMonitoring, err = parseBool(option, value)
	case "accuracy":
		m.Accuracy, err = pkg.ParseAccuracyTier(value)
		if err != nil {
			err = fmt.Errorf("option %s: %w", option, err)
		}
	case "log_level":
		if !isValidLogLevel(value) {
			return fmt.Errorf("option %s: unknown log level %q", option, value)
		}
		m.LogLevel = value
	case "health_listen":
		m.HealthListen = value
	case "metrics":
		m.Metrics, err = parseBool(option, value)
	}
	return err
}

func (c *Config) setMQTT(option, value string) error {
	var err error
	m := &c.MQTT
	switch option {
	case "enabled":
		m.Enabled, err = parseBool(option, value)
	case "broker":
		m.Broker = value
	case "port":
		m.Port, err = parseInt(option, value)
	case "client_id":
		m.ClientID = value
	case "username":
		m.Username = value
	case "password":
		m.Password = value
	case "topic_prefix":
		m.TopicPrefix = strings.Trim(value, "/")
	case "qos":
		m.QoS, err = parseInt(option, value)
	}
	return err
}

func parseInt(option, value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid integer %q", option, value)
	}
	return v, nil
}

func parseFloat(option, value string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: invalid number %q", option, value)
	}
	return v, nil
}

func parseBool(option, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "enabled":
		return true, nil
	case "0", "false", "no", "off", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("option %s: invalid boolean %q", option, value)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Main.IntervalS < 1 || c.Main.IntervalS > MaxIntervalS {
		return fmt.Errorf("interval must be between 1 and %d seconds, got %d", MaxIntervalS, c.Main.IntervalS)
	}
	if c.Main.IntervalChargingS < 0 || c.Main.IntervalChargingS > MaxIntervalS {
		return fmt.Errorf("interval_charging must be between 0 and %d seconds, got %d", MaxIntervalS, c.Main.IntervalChargingS)
	}
	if c.Main.DistanceM < 0 {
		return fmt.Errorf("distance must not be negative, got %g", c.Main.DistanceM)
	}
	if c.Main.AngleDeg < 0 || c.Main.AngleDeg > 360 {
		return fmt.Errorf("angle must be between 0 and 360, got %g", c.Main.AngleDeg)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker must be set when mqtt is enabled")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt port must be between 1 and 65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	return nil
}

// Sampling converts the main section into the sampling policy configuration
func (c *Config) Sampling() sampling.Config {
	return sampling.Config{
		BaseInterval:                   time.Duration(c.Main.IntervalS) * time.Second,
		ChargingInterval:               time.Duration(c.Main.IntervalChargingS) * time.Second,
		DistanceThreshold:              c.Main.DistanceM,
		AngleThreshold:                 c.Main.AngleDeg,
		DistanceAngleOnlyWhileCharging: c.Main.DistanceAngleCharging,
		PowerAsIgnition:                c.Main.PowerAsIgnition,
		TemperatureMonitoring:          c.Main.TemperatureMonitoring,
		Accuracy:                       c.Main.Accuracy,
	}
}

func isValidLogLevel(level string) bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return true
		}
	}
	return false
}
