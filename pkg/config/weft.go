package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weftio/weft/pkg/policies"
)

// Duration is a time.Duration that unmarshals from strings like "30s" in
// YAML and JSON.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full weft daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Admin      AdminConfig      `yaml:"admin" json:"admin"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Throttle   ThrottleConfig   `yaml:"throttle" json:"throttle"`
	Timeout    TimeoutConfig    `yaml:"timeout" json:"timeout"`
	TrafficLog TrafficLogConfig `yaml:"traffic_log" json:"trafficLog"`
}

// ServerConfig configures the TCP listener.
type ServerConfig struct {
	Addr    string `yaml:"addr" json:"addr"`
	TLSCert string `yaml:"tls_cert" json:"tlsCert"`
	TLSKey  string `yaml:"tls_key" json:"tlsKey"`
}

// AdminConfig configures the HTTP admin endpoint.
type AdminConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// SchedulerConfig configures the shared cooperator.
type SchedulerConfig struct {
	// TimeSlice bounds how long one scheduler tick may run.
	TimeSlice Duration `yaml:"time_slice" json:"timeSlice"`
}

// ThrottleConfig mirrors policies.ThrottleConfig with config file tags.
type ThrottleConfig struct {
	ReadLimit      int64 `yaml:"read_limit" json:"readLimit"`
	WriteLimit     int64 `yaml:"write_limit" json:"writeLimit"`
	MaxConnections int   `yaml:"max_connections" json:"maxConnections"`
}

// TimeoutConfig configures the idle timeout policy.
type TimeoutConfig struct {
	Period Duration `yaml:"period" json:"period"`
}

// TrafficLogConfig configures the traffic capture policy.
type TrafficLogConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Directory    string `yaml:"directory" json:"directory"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	PayloadLimit int    `yaml:"payload_limit" json:"payloadLimit"`

	// SQLitePath, when set, selects the SQLite sink instead of
	// per-connection files.
	SQLitePath string `yaml:"sqlite_path" json:"sqlitePath"`
}

// Default returns the configuration the daemon runs with when no file is
// given.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: ":7600"},
		Admin:     AdminConfig{Addr: ":7601"},
		Scheduler: SchedulerConfig{TimeSlice: Duration(10 * time.Millisecond)},
		Timeout:   TimeoutConfig{Period: Duration(5 * time.Minute)},
		TrafficLog: TrafficLogConfig{
			Prefix:       "weft-traffic",
			PayloadLimit: 512,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	return Validate(c,
		RequiredFields("Server.Addr", "Admin.Addr"),
		RangeValidator("Throttle.ReadLimit", 0, 1<<40),
		RangeValidator("Throttle.WriteLimit", 0, 1<<40),
		RangeValidator("Throttle.MaxConnections", 0, 1<<20),
		ValidatorFunc(func(interface{}) error {
			if c.Timeout.Period < 0 {
				return fmt.Errorf("timeout period cannot be negative")
			}
			if c.Scheduler.TimeSlice < 0 {
				return fmt.Errorf("scheduler time slice cannot be negative")
			}
			return nil
		}),
	)
}

// ThrottlePolicy converts to the policy layer's config type.
func (c *Config) ThrottlePolicy() policies.ThrottleConfig {
	return policies.ThrottleConfig{
		ReadLimit:      c.Throttle.ReadLimit,
		WriteLimit:     c.Throttle.WriteLimit,
		MaxConnections: c.Throttle.MaxConnections,
	}
}

// TimeoutPolicy converts to the policy layer's config type.
func (c *Config) TimeoutPolicy() policies.TimeoutConfig {
	return policies.TimeoutConfig{Period: c.Timeout.Period.Std()}
}

// TrafficLogPolicy converts to the policy layer's config type.
func (c *Config) TrafficLogPolicy() policies.TrafficLogConfig {
	return policies.TrafficLogConfig{
		Directory:    c.TrafficLog.Directory,
		Prefix:       c.TrafficLog.Prefix,
		PayloadLimit: c.TrafficLog.PayloadLimit,
	}
}
