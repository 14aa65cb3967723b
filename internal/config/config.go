package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/jit/internal/asm"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMode        = 64
	DefaultBaseAddress = 0x12345678
	DefaultDumpWidth   = 16
)

// Config describes how the demo assembles and prints its code.
type Config struct {
	Target   TargetConfig `yaml:"target"`
	LogLevel string       `yaml:"logLevel,omitempty"`
	Dump     DumpConfig   `yaml:"dump"`
}

type TargetConfig struct {
	Mode        int      `yaml:"mode,omitempty"`
	// BaseAddress is nil when unset. An explicit zero keeps absolute
	// references relative to the start of the code.
	BaseAddress *Address `yaml:"baseAddress,omitempty"`
	ForceREX    bool     `yaml:"forceRex,omitempty"`
	AutoWiden   bool     `yaml:"autoWiden,omitempty"`
}

type DumpConfig struct {
	// Width is the number of bytes per hex dump row.
	Width int    `yaml:"width,omitempty"`
	// Color is one of auto, always or never.
	Color string `yaml:"color,omitempty"`
}

// Address is a load address written either as a YAML integer or as a
// string such as "0x12345678".
type Address uint64

func (a *Address) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", node.Line)
	}
	v, err := ParseAddress(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(a)), nil
}

func (a Address) String() string { return fmt.Sprintf("%#x", uint64(a)) }

// NewAddress returns a pointer to v, for filling TargetConfig.BaseAddress.
func NewAddress(v uint64) *Address {
	a := Address(v)
	return &a
}

// Base returns the configured load address, or the default when unset.
func (t TargetConfig) Base() uint64 {
	if t.BaseAddress == nil {
		return DefaultBaseAddress
	}
	return uint64(*t.BaseAddress)
}

// ParseAddress accepts decimal, 0x-prefixed hex, 0o octal and 0b binary,
// with optional underscores.
func ParseAddress(s string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return v, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Target.Mode == 0 {
		c.Target.Mode = DefaultMode
	}
	if c.Target.BaseAddress == nil {
		c.Target.BaseAddress = NewAddress(DefaultBaseAddress)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Dump.Width <= 0 {
		c.Dump.Width = DefaultDumpWidth
	}
	if c.Dump.Color == "" {
		c.Dump.Color = "auto"
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, err := c.Target.Target(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Dump.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid dump color %q (want auto, always or never)", c.Dump.Color)
	}
	return nil
}

// Level parses LogLevel into a slog level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Target converts the configuration into an assembler target.
func (t TargetConfig) Target() (asm.Target, error) {
	var mode asm.Mode
	switch t.Mode {
	case 32:
		mode = asm.Mode32
	case 64:
		mode = asm.Mode64
	default:
		return asm.Target{}, fmt.Errorf("invalid mode %d (want 32 or 64)", t.Mode)
	}
	base := t.Base()
	if mode == asm.Mode32 && base > 0xFFFFFFFF {
		return asm.Target{}, fmt.Errorf("base address %#x does not fit a 32-bit address space", base)
	}
	if mode == asm.Mode32 && t.ForceREX {
		return asm.Target{}, fmt.Errorf("forceRex requires mode 64")
	}
	return asm.Target{
		Mode:        mode,
		BaseAddress: base,
		ForceREX:    t.ForceREX,
		AutoWiden:   t.AutoWiden,
	}, nil
}

// Parse decodes YAML configuration, fills defaults and validates it.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	cfg.normalize()
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
