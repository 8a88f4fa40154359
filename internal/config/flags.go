package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// NewFlagSet binds the command line flags to cfg, using its current values
// as the flag defaults.
func NewFlagSet(name string, cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("config", cfg.Path, "YAML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "address to listen on")
	fs.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "path the bridge is served under")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "only accept websocket upgrades from this Origin")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "graceful stop timeout")
	fs.DurationVar(&cfg.KillTimeout, "kill-timeout", cfg.KillTimeout, "forced stop timeout")

	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.Metrics.Tick, "metrics-tick", cfg.Metrics.Tick, "metrics report interval, 0 to disable")

	fs.IntVar(&cfg.Bridge.MaxAddressLength, "max-address-length", cfg.Bridge.MaxAddressLength, "longest address a client may use")
	fs.IntVar(&cfg.Bridge.MaxHandlersPerSocket, "max-handlers", cfg.Bridge.MaxHandlersPerSocket, "subscriptions allowed per connection")
	fs.IntVar(&cfg.Bridge.OutboundQueueSize, "queue-size", cfg.Bridge.OutboundQueueSize, "frames buffered per connection before it is dropped")
	fs.DurationVar(&cfg.Bridge.EventTimeout, "event-timeout", cfg.Bridge.EventTimeout, "time an interceptor has to complete an event")
	fs.DurationVar(&cfg.Bridge.ReplyTimeout, "reply-timeout", cfg.Bridge.ReplyTimeout, "time a send waits for its reply")

	fs.Int64Var(&cfg.Transport.MaxMessageSize, "max-message-size", cfg.Transport.MaxMessageSize, "largest inbound frame in bytes")
	fs.DurationVar(&cfg.Transport.PingPeriod, "ping-period", cfg.Transport.PingPeriod, "websocket ping interval, 0 to disable")
	fs.Float64Var(&cfg.Transport.FrameRate, "frame-rate", cfg.Transport.FrameRate, "inbound frames per second per connection, 0 for unlimited")
	fs.IntVar(&cfg.Transport.FrameBurst, "frame-burst", cfg.Transport.FrameBurst, "inbound frame burst per connection")

	fs.StringVar(&cfg.PolicyFile, "policy", cfg.PolicyFile, "YAML policy file, reloaded on change")
	fs.StringVar(&cfg.Counter.Address, "counter-address", cfg.Counter.Address, "send an increasing counter to this address")
	fs.DurationVar(&cfg.Counter.Interval, "counter-interval", cfg.Counter.Interval, "counter interval")
	return fs
}

// Parse builds the config from args. Flags given on the command line win
// over the file named by --config, which wins over the defaults.
func Parse(name string, args []string) (Config, error) {
	cfg := Default()
	fs := NewFlagSet(name, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	path, _ := fs.GetString("config")
	if path == "" {
		return cfg, cfg.Validate()
	}

	loaded := Default()
	if err := loaded.loadFile(path); err != nil {
		return loaded, err
	}
	overrides := NewFlagSet(name, &loaded)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		if err := overrides.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return loaded, setErr
	}
	return loaded, loaded.Validate()
}
