// Package config defines the structures used to configure the rover and its connected parts.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rover/components/base/skidsteer"
	"go.viam.com/rover/components/motor/vesc"
)

// Bus kinds.
const (
	BusSim       = "sim"
	BusSocketCAN = "socketcan"
	BusSLCAN     = "slcan"
)

// Config describes the rover.
type Config struct {
	Robot      Robot            `json:"robot"`
	Chassis    skidsteer.Params `json:"chassis"`
	Limits     skidsteer.Limits `json:"limits"`
	Drivetrain Drivetrain       `json:"drivetrain"`
	Control    Control          `json:"control"`
	Bus        Bus              `json:"bus"`
	Network    Network          `json:"network"`
	Telemetry  Telemetry        `json:"telemetry"`
	Metrics    Metrics          `json:"metrics"`

	// ConfigFilePath is the path the config was read from, if any.
	ConfigFilePath string `json:"-"`
}

// Robot identifies this rover to the fleet.
type Robot struct {
	ID string `json:"id"`
}

// Drivetrain configures the four wheel motor controllers.
type Drivetrain struct {
	vesc.DrivetrainConfig
	BrakeCurrent float64 `json:"brake_current_a"`
}

// Control configures the fixed-rate control loop.
type Control struct {
	RateHz           int           `json:"rate_hz"`
	CommandTimeout   time.Duration `json:"command_timeout"`
	CommandQueueSize int           `json:"command_queue_size"`
	// StatusTimeout faults a driving rover whose motor controllers stop reporting. Zero
	// disables the check.
	StatusTimeout    time.Duration `json:"status_timeout"`
}

// Period is the time between ticks.
func (c Control) Period() time.Duration {
	if c.RateHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.RateHz)
}

// Bus selects and configures the motor bus.
type Bus struct {
	Kind       string `json:"kind"`
	Interface  string `json:"interface"`
	SerialPath string `json:"serial_path"`
	SerialBaud int    `json:"serial_baud"`
	Bitrate    int    `json:"bitrate"`
}

// Network configures the operator transports.
type Network struct {
	UDPPort              int           `json:"udp_port"`
	UDPTelemetryInterval time.Duration `json:"udp_telemetry_interval"`
	UDPConnectionTimeout time.Duration `json:"udp_connection_timeout"`
	WSPort               int           `json:"ws_port"`
	WSHeartbeatInterval  time.Duration `json:"ws_heartbeat_interval"`
	MediaPort            int           `json:"media_port"`
	MediaMaxFPS          float64       `json:"media_max_fps"`
}

// Telemetry configures the external telemetry sinks. Empty addresses disable a sink.
type Telemetry struct {
	MQTTBroker      string        `json:"mqtt_broker"`
	MQTTTopic       string        `json:"mqtt_topic"`
	RedisAddr       string        `json:"redis_addr"`
	RedisTTL        time.Duration `json:"redis_ttl"`
	PublishInterval time.Duration `json:"publish_interval"`
}

// Metrics configures the Prometheus endpoint. Port 0 disables it.
type Metrics struct {
	Port int `json:"port"`
}

// Default returns a config with every default filled in.
func Default() Config {
	return Config{
		Robot:   Robot{ID: "rover"},
		Chassis: skidsteer.Params{WheelRadius: 0.0825, TrackWidth: 0.55, Wheelbase: 0.5},
		Limits: skidsteer.Limits{
			MaxLinear:   1.5,
			MaxAngular:  2.5,
			BoostLinear: 3.0,
			MaxAccel:    3.0,
		},
		Drivetrain: Drivetrain{
			DrivetrainConfig: vesc.DrivetrainConfig{
				PolePairs:  7,
				FrontLeft:  1,
				FrontRight: 2,
				RearLeft:   3,
				RearRight:  4,
			},
			BrakeCurrent: 10,
		},
		Control: Control{
			RateHz:           100,
			CommandTimeout:   500 * time.Millisecond,
			CommandQueueSize: 64,
			StatusTimeout:    time.Second,
		},
		Bus: Bus{
			Kind:       BusSim,
			Interface:  "can0",
			SerialPath: "/dev/ttyACM0",
			SerialBaud: 115200,
			Bitrate:    500000,
		},
		Network: Network{
			UDPPort:              4840,
			UDPTelemetryInterval: 20 * time.Millisecond,
			UDPConnectionTimeout: time.Second,
			WSPort:               4850,
			WSHeartbeatInterval:  20 * time.Millisecond,
			MediaPort:            4851,
			MediaMaxFPS:          15,
		},
		Telemetry: Telemetry{
			MQTTTopic:       "rover/telemetry",
			RedisTTL:        5 * time.Second,
			PublishInterval: 200 * time.Millisecond,
		},
		Metrics: Metrics{Port: 9090},
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.Robot.ID == "" {
		return utils.NewConfigValidationFieldRequiredError(join(path, "robot"), "id")
	}
	if err := c.Chassis.Validate(join(path, "chassis")); err != nil {
		return err
	}
	if c.Limits.MaxLinear < 0 || c.Limits.MaxAngular < 0 || c.Limits.BoostLinear < 0 || c.Limits.MaxAccel < 0 {
		return utils.NewConfigValidationError(join(path, "limits"), errors.New("limits cannot be negative"))
	}
	if err := c.Drivetrain.Validate(); err != nil {
		return utils.NewConfigValidationError(join(path, "drivetrain"), err)
	}
	if c.Drivetrain.BrakeCurrent < 0 {
		return utils.NewConfigValidationError(join(path, "drivetrain"), errors.New("brake_current_a cannot be negative"))
	}
	if err := c.Control.Validate(join(path, "control")); err != nil {
		return err
	}
	if err := c.Bus.Validate(join(path, "bus")); err != nil {
		return err
	}
	if err := c.Network.Validate(join(path, "network")); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(join(path, "telemetry")); err != nil {
		return err
	}
	if err := validatePort(join(path, "metrics"), "port", c.Metrics.Port, true); err != nil {
		return err
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *Control) Validate(path string) error {
	if c.RateHz <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "rate_hz")
	}
	if c.CommandTimeout <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "command_timeout")
	}
	if c.CommandQueueSize <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "command_queue_size")
	}
	if c.StatusTimeout < 0 {
		return utils.NewConfigValidationError(path, errors.New("status_timeout cannot be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (b *Bus) Validate(path string) error {
	switch b.Kind {
	case BusSim:
	case BusSocketCAN:
		if b.Interface == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "interface")
		}
	case BusSLCAN:
		if b.SerialPath == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "serial_path")
		}
	case "":
		return utils.NewConfigValidationFieldRequiredError(path, "kind")
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown bus kind %q", b.Kind))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (n *Network) Validate(path string) error {
	for _, p := range []struct {
		field string
		port  int
	}{{"udp_port", n.UDPPort}, {"ws_port", n.WSPort}, {"media_port", n.MediaPort}} {
		if err := validatePort(path, p.field, p.port, false); err != nil {
			return err
		}
	}
	if n.WSPort == n.MediaPort {
		return utils.NewConfigValidationError(path, errors.New("ws_port and media_port must differ"))
	}
	if n.UDPTelemetryInterval <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "udp_telemetry_interval")
	}
	if n.UDPConnectionTimeout <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "udp_connection_timeout")
	}
	if n.WSHeartbeatInterval <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "ws_heartbeat_interval")
	}
	if n.MediaMaxFPS <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "media_max_fps")
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (t *Telemetry) Validate(path string) error {
	if t.MQTTBroker == "" && t.RedisAddr == "" {
		return nil
	}
	if t.PublishInterval <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "publish_interval")
	}
	if t.MQTTBroker != "" && t.MQTTTopic == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "mqtt_topic")
	}
	if t.RedisAddr != "" && t.RedisTTL <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "redis_ttl")
	}
	return nil
}

func validatePort(path, field string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port <= 0 || port > 65535 {
		return utils.NewConfigValidationError(path, errors.Errorf("%s %d out of range", field, port))
	}
	return nil
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return fmt.Sprintf("%s.%s", path, field)
}
