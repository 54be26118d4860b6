// Package conf loads and validates the relay's configuration file, in the
// same load/setDefaults/validate shape the rest of this codebase's
// configuration layer uses.
package conf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"retether/internal/flog"
)

// Conf is the top-level configuration for the relay process.
type Conf struct {
	Log    Log      `yaml:"log"`
	Listen Listen   `yaml:"listen"`
	Relay  Relay    `yaml:"relay"`
	SOCKS5 []SOCKS5 `yaml:"socks5"`
}

// Log controls the flog level.
type Log struct {
	Level string `yaml:"level"`
}

// Listen is the loopback address the TunnelServer accepts the device's
// single framed TCP stream on.
type Listen struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// Relay holds the engine tuning knobs named in spec.md. MTU is the capacity
// of each Client's inbound packet buffer, so a device-sent packet with a
// larger total_length closes that Client; synthesized reply packets are
// always sized by packet.MaxPacketLength. SweepInterval sets how often the
// idle sweep runs. UDPIdleTimeout is defaulted and validated but not passed
// to the engine: UDP flows expire after the relay package's fixed
// 120-second timeout.
type Relay struct {
	MTU            int           `yaml:"mtu"`
	UDPIdleTimeout time.Duration `yaml:"udp_idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// SOCKS5 names one upstream SOCKS5 proxy that outbound connections may be
// routed through via the relay's proxy_for hook.
type SOCKS5 struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (l *Log) validate() []error {
	var errs []error
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error", "fatal", "none":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug/info/warn/error/fatal/none", l.Level))
	}
	return errs
}

// ParseLevel returns the flog.Level matching Log.Level, defaulting to
// flog.Info for an unrecognized value (already rejected by validate, but
// callers may load a Conf without validating).
func (l Log) ParseLevel() flog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return flog.Debug
	case "warn":
		return flog.Warn
	case "error":
		return flog.Error
	case "fatal":
		return flog.Fatal
	case "none":
		return flog.None
	default:
		return flog.Info
	}
}

func (s *Listen) setDefaults() {
	if s.Addr == "" {
		s.Addr = "127.0.0.1"
	}
	if s.Port == 0 {
		s.Port = 31416
	}
}

func (s *Listen) validate() []error {
	var errs []error
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d is out of range", s.Port))
	}
	return errs
}

func (r *Relay) setDefaults() {
	if r.MTU == 0 {
		r.MTU = 16384
	}
	if r.UDPIdleTimeout == 0 {
		r.UDPIdleTimeout = 120 * time.Second
	}
	if r.SweepInterval == 0 {
		r.SweepInterval = 60 * time.Second
	}
}

func (r *Relay) validate() []error {
	var errs []error
	if r.MTU < 64 {
		errs = append(errs, fmt.Errorf("relay.mtu %d is too small", r.MTU))
	}
	if r.UDPIdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.udp_idle_timeout must be positive"))
	}
	if r.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("relay.sweep_interval must be positive"))
	}
	return errs
}

func (s *SOCKS5) setDefaults() {}

func (s *SOCKS5) validate() []error {
	var errs []error
	if s.Addr == "" {
		errs = append(errs, fmt.Errorf("socks5.addr is required"))
	}
	return errs
}

// LoadFromFile reads, defaults and validates a Conf from path.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return &c, err
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

// Default returns a Conf populated entirely from defaults, for callers (the
// CLI) that run without a config file.
func Default() *Conf {
	var c Conf
	c.setDefaults()
	return &c
}

func (c *Conf) setDefaults() {
	c.Log.setDefaults()
	c.Listen.setDefaults()
	c.Relay.setDefaults()
	for i := range c.SOCKS5 {
		c.SOCKS5[i].setDefaults()
	}
}

func (c *Conf) validate() error {
	var allErrors []error
	allErrors = append(allErrors, c.Log.validate()...)
	allErrors = append(allErrors, c.Listen.validate()...)
	allErrors = append(allErrors, c.Relay.validate()...)
	for i := range c.SOCKS5 {
		for _, err := range c.SOCKS5[i].validate() {
			allErrors = append(allErrors, fmt.Errorf("socks5[%d] %v", i, err))
		}
	}
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
