package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Profiles ProfilesConfig `yaml:"profiles"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Serial   SerialConfig   `yaml:"serial"`
	Sim      SimConfig      `yaml:"sim"`
	Ntrip    NtripConfig    `yaml:"ntrip"`
	Web      WebConfig      `yaml:"web"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Influx   InfluxConfig   `yaml:"influx"`
	UDP      UDPConfig      `yaml:"udp"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ProfilesConfig struct {
	// Backend is memory, file or sqlite.
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Key     string `yaml:"key"`
	// Async moves backend writes off the event loop.
	Async bool `yaml:"async"`
}

type ReceiverConfig struct {
	// Transport is sim or serial.
	Transport    string `yaml:"transport"`
	DeviceFilter string `yaml:"device_filter"`
	// AutoConnect connects to the first discovered device, or to
	// AutoConnectID when set.
	AutoConnect   bool          `yaml:"auto_connect"`
	AutoConnectID string        `yaml:"auto_connect_id"`
	ScanTimeout   time.Duration `yaml:"scan_timeout"`
}

type SerialConfig struct {
	Baud             int           `yaml:"baud"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// GPSD lists gpsd host:port addresses offered next to local ports.
	GPSD []string `yaml:"gpsd"`
}

type SimDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type SimConfig struct {
	Devices        []SimDevice   `yaml:"devices"`
	ConnectDelay   time.Duration `yaml:"connect_delay"`
	ConfigureDelay time.Duration `yaml:"configure_delay"`
	// FailConfiguration, when set, is reported as the handshake failure reason.
	FailConfiguration string        `yaml:"fail_configuration"`
	Interval          time.Duration `yaml:"interval"`
	CenterLatDeg      float64       `yaml:"center_lat_deg"`
	CenterLonDeg      float64       `yaml:"center_lon_deg"`
	AltM              float64       `yaml:"alt_m"`
	RadiusM           float64       `yaml:"radius_m"`
	Period            time.Duration `yaml:"period"`
	BatteryPercent    int           `yaml:"battery_percent"`
	Caster            SimCaster     `yaml:"caster"`
}

type SimCaster struct {
	MountPoints []string `yaml:"mountpoints"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
}

type NtripConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	MountPoint  string `yaml:"mountpoint"`
	AutoConnect bool   `yaml:"auto_connect"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enable    bool   `yaml:"enable"`
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicBase string `yaml:"topic_base"`
	QoS       int    `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
}

type InfluxConfig struct {
	Enable bool   `yaml:"enable"`
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Device string `yaml:"device"`
}

// UDPConfig forwards position fixes as NMEA GGA datagrams.
type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// Default returns a configuration that runs the simulated receiver and
// caster with nothing else enabled.
func Default() Config {
	var cfg Config
	_ = DefaultAndValidate(&cfg)
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && allUnknownField(te.Errors) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLines(te.Errors), "; "))
		}
		return Config{}, err
	}

	ApplyEnv(&cfg)
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func allUnknownField(errs []string) bool {
	for _, e := range errs {
		if !strings.Contains(e, " not found in type ") {
			return false
		}
	}
	return len(errs) > 0
}

// stripLines drops yaml.v3's "line N: " prefix.
func stripLines(errs []string) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if strings.HasPrefix(e, "line ") {
			if i := strings.Index(e, ": "); i != -1 {
				e = e[i+2:]
			}
		}
		out = append(out, e)
	}
	return out
}

// LoadEnvFile loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides secrets and the log level from the environment.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v, ok := os.LookupEnv("ROVER_NTRIP_PASSWORD"); ok {
		cfg.Ntrip.Password = v
	}
	if v, ok := os.LookupEnv("ROVER_MQTT_PASSWORD"); ok {
		cfg.MQTT.Password = v
	}
	if v, ok := os.LookupEnv("ROVER_INFLUX_TOKEN"); ok {
		cfg.Influx.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("ROVER_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format must be 'console' or 'json'")
	}

	cfg.Profiles.Backend = strings.ToLower(strings.TrimSpace(cfg.Profiles.Backend))
	if cfg.Profiles.Backend == "" {
		cfg.Profiles.Backend = "memory"
	}
	switch cfg.Profiles.Backend {
	case "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Profiles.Path) == "" {
			return fmt.Errorf("profiles.path is required when profiles.backend is '%s'", cfg.Profiles.Backend)
		}
	default:
		return fmt.Errorf("profiles.backend must be one of memory, file, sqlite")
	}
	if strings.TrimSpace(cfg.Profiles.Key) == "" {
		cfg.Profiles.Key = "NtripConfigs"
	}

	cfg.Receiver.Transport = strings.ToLower(strings.TrimSpace(cfg.Receiver.Transport))
	if cfg.Receiver.Transport == "" {
		cfg.Receiver.Transport = "sim"
	}
	if cfg.Receiver.Transport != "sim" && cfg.Receiver.Transport != "serial" {
		return fmt.Errorf("receiver.transport must be 'sim' or 'serial'")
	}
	if cfg.Receiver.ScanTimeout < 0 {
		return fmt.Errorf("receiver.scan_timeout must be >= 0")
	}
	if cfg.Receiver.ScanTimeout == 0 {
		cfg.Receiver.ScanTimeout = 10 * time.Second
	}

	if cfg.Serial.Baud <= 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Serial.HandshakeTimeout <= 0 {
		cfg.Serial.HandshakeTimeout = 5 * time.Second
	}

	// Simulator defaults (safe even if unused).
	if len(cfg.Sim.Devices) == 0 {
		cfg.Sim.Devices = []SimDevice{{ID: "SIM-0001", Name: "RTK Rover SIM"}}
	}
	for i, d := range cfg.Sim.Devices {
		if strings.TrimSpace(d.ID) == "" {
			return fmt.Errorf("sim.devices[%d].id is required", i)
		}
	}
	if cfg.Sim.ConnectDelay <= 0 {
		cfg.Sim.ConnectDelay = 300 * time.Millisecond
	}
	if cfg.Sim.ConfigureDelay <= 0 {
		cfg.Sim.ConfigureDelay = 1 * time.Second
	}
	if cfg.Sim.Interval <= 0 {
		cfg.Sim.Interval = 1 * time.Second
	}
	if cfg.Sim.CenterLatDeg == 0 && cfg.Sim.CenterLonDeg == 0 {
		cfg.Sim.CenterLatDeg = 48.1173
		cfg.Sim.CenterLonDeg = 11.5167
	}
	if cfg.Sim.CenterLatDeg < -90 || cfg.Sim.CenterLatDeg > 90 {
		return fmt.Errorf("sim.center_lat_deg must be within [-90, 90]")
	}
	if cfg.Sim.CenterLonDeg < -180 || cfg.Sim.CenterLonDeg > 180 {
		return fmt.Errorf("sim.center_lon_deg must be within [-180, 180]")
	}
	if cfg.Sim.AltM == 0 {
		cfg.Sim.AltM = 545.4
	}
	if cfg.Sim.RadiusM <= 0 {
		cfg.Sim.RadiusM = 25
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 120 * time.Second
	}
	if cfg.Sim.BatteryPercent <= 0 {
		cfg.Sim.BatteryPercent = 87
	}
	if cfg.Sim.BatteryPercent > 100 {
		return fmt.Errorf("sim.battery_percent must be <= 100")
	}
	if len(cfg.Sim.Caster.MountPoints) == 0 {
		cfg.Sim.Caster.MountPoints = []string{"SIM_RTCM3"}
	}

	if cfg.Ntrip.Port == 0 {
		cfg.Ntrip.Port = 2101
	}
	if cfg.Ntrip.Port < 0 || cfg.Ntrip.Port > 65535 {
		return fmt.Errorf("ntrip.port must be within [1, 65535]")
	}
	if cfg.Ntrip.AutoConnect {
		if strings.TrimSpace(cfg.Ntrip.Host) == "" {
			return fmt.Errorf("ntrip.host is required when ntrip.auto_connect is true")
		}
		if strings.TrimSpace(cfg.Ntrip.MountPoint) == "" {
			return fmt.Errorf("ntrip.mountpoint is required when ntrip.auto_connect is true")
		}
	}

	if cfg.Web.Enable && strings.TrimSpace(cfg.Web.Listen) == "" {
		cfg.Web.Listen = ":8080"
	}

	if cfg.MQTT.Enable {
		if strings.TrimSpace(cfg.MQTT.Broker) == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if strings.TrimSpace(cfg.MQTT.ClientID) == "" {
		cfg.MQTT.ClientID = "rtk-rover"
	}
	if strings.TrimSpace(cfg.MQTT.TopicBase) == "" {
		cfg.MQTT.TopicBase = "rover"
	}
	cfg.MQTT.TopicBase = strings.TrimRight(cfg.MQTT.TopicBase, "/")

	if cfg.Influx.Enable {
		if strings.TrimSpace(cfg.Influx.URL) == "" {
			return fmt.Errorf("influx.url is required when influx.enable is true")
		}
		if strings.TrimSpace(cfg.Influx.Org) == "" {
			return fmt.Errorf("influx.org is required when influx.enable is true")
		}
		if strings.TrimSpace(cfg.Influx.Bucket) == "" {
			return fmt.Errorf("influx.bucket is required when influx.enable is true")
		}
	}

	if cfg.UDP.Enable && strings.TrimSpace(cfg.UDP.Dest) == "" {
		cfg.UDP.Dest = "127.0.0.1:10110"
	}

	return nil
}
