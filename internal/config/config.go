// Package config loads the pingbridge configuration: built-in defaults, an
// optional YAML file, then command line flags, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Automattic/pingbridge/internal/policy"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full set of runtime settings.
type Config struct {
	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-"`

	Listen      string        `yaml:"listen"`
	Prefix      string        `yaml:"prefix"`
	Origin      string        `yaml:"origin"`
	StopTimeout time.Duration `yaml:"stopTimeout"`
	KillTimeout time.Duration `yaml:"killTimeout"`

	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Transport TransportConfig `yaml:"transport"`
	Counter   CounterConfig   `yaml:"counter"`

	// PolicyFile holds additional rules and is watched for changes.
	PolicyFile string        `yaml:"policyFile"`
	Permitted  []policy.Rule `yaml:"permitted"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

type MetricsConfig struct {
	// Tick is the reporting interval; zero disables periodic reports.
	Tick time.Duration `yaml:"tick"`
}

type BridgeConfig struct {
	MaxAddressLength     int           `yaml:"maxAddressLength"`
	MaxHandlersPerSocket int           `yaml:"maxHandlersPerSocket"`
	OutboundQueueSize    int           `yaml:"outboundQueueSize"`
	EventTimeout         time.Duration `yaml:"eventTimeout"`
	ReplyTimeout         time.Duration `yaml:"replyTimeout"`
}

type TransportConfig struct {
	MaxMessageSize int64         `yaml:"maxMessageSize"`
	PingPeriod     time.Duration `yaml:"pingPeriod"`
	PongWait       time.Duration `yaml:"pongWait"`
	WriteWait      time.Duration `yaml:"writeWait"`
	FrameRate      float64       `yaml:"frameRate"`
	FrameBurst     int           `yaml:"frameBurst"`
}

// CounterConfig drives the demo publisher: an increasing integer sent to
// Address on every tick. An empty Address disables it.
type CounterConfig struct {
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the settings used when nothing else is given.
func Default() Config {
	return Config{
		Listen:      ":8081",
		Prefix:      "/eventbus",
		StopTimeout: 10 * time.Second,
		KillTimeout: 5 * time.Second,
		Log: LogConfig{
			Level:   "info",
			Service: "pingbridge",
		},
		Metrics: MetricsConfig{Tick: time.Minute},
		Bridge: BridgeConfig{
			MaxAddressLength:     200,
			MaxHandlersPerSocket: 1000,
			OutboundQueueSize:    256,
			EventTimeout:         5 * time.Second,
			ReplyTimeout:         30 * time.Second,
		},
		Transport: TransportConfig{
			MaxMessageSize: 64 * 1024,
			PingPeriod:     54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
		},
		Counter: CounterConfig{Interval: time.Second},
	}
}

// Load reads a YAML config file on top of the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := decodeStrict(f, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.Path = path
	return nil
}

func decodeStrict(r io.Reader, v any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Listen != "", "listen must not be empty")
	check(c.Prefix == "" || strings.HasPrefix(c.Prefix, "/"), "prefix %q must start with /", c.Prefix)
	check(c.StopTimeout >= 0, "stopTimeout must not be negative")
	check(c.KillTimeout >= 0, "killTimeout must not be negative")
	check(c.Metrics.Tick >= 0, "metrics.tick must not be negative")

	check(c.Bridge.MaxAddressLength > 0, "bridge.maxAddressLength must be positive")
	check(c.Bridge.MaxHandlersPerSocket > 0, "bridge.maxHandlersPerSocket must be positive")
	check(c.Bridge.OutboundQueueSize > 0, "bridge.outboundQueueSize must be positive")
	check(c.Bridge.EventTimeout > 0, "bridge.eventTimeout must be positive")
	check(c.Bridge.ReplyTimeout > 0, "bridge.replyTimeout must be positive")

	check(c.Transport.MaxMessageSize > 0, "transport.maxMessageSize must be positive")
	check(c.Transport.PongWait > 0, "transport.pongWait must be positive")
	check(c.Transport.WriteWait > 0, "transport.writeWait must be positive")
	check(c.Transport.PingPeriod >= 0 && c.Transport.PingPeriod < c.Transport.PongWait,
		"transport.pingPeriod must be shorter than transport.pongWait")
	check(c.Transport.FrameRate >= 0, "transport.frameRate must not be negative")
	check(c.Transport.FrameBurst >= 0, "transport.frameBurst must not be negative")

	check(c.Counter.Address == "" || c.Counter.Interval > 0, "counter.interval must be positive")

	if _, err := policy.New(c.Permitted); err != nil {
		problems = append(problems, fmt.Sprintf("permitted: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// PolicyFile is the document stored at Config.PolicyFile.
type PolicyFile struct {
	Permitted []policy.Rule `yaml:"permitted"`
}

// LoadPolicyFile reads the rules stored at path.
func LoadPolicyFile(path string) ([]policy.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var pf PolicyFile
	if err := decodeStrict(bytes.NewReader(data), &pf); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return pf.Permitted, nil
}

// Policy compiles the inline rules together with the policy file, if set.
func (c Config) Policy() (*policy.Policy, error) {
	rules := append([]policy.Rule(nil), c.Permitted...)
	if c.PolicyFile != "" {
		fileRules, err := LoadPolicyFile(c.PolicyFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return policy.New(rules)
}
