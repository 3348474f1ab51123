// SPDX-License-Identifier: Apache-2.0

// Package config holds the runtime configuration, bound from flags,
// environment and an optional config file through viper.
package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Driver names accepted by --driver.
const (
	DriverNBD  = "nbd"
	DriverUblk = "ublk"
)

// Mlock policies accepted by --mlock.
const (
	MlockWarn    = "warn"
	MlockRequire = "require"
	MlockOff     = "off"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Size       uint64 `mapstructure:"-"`
	SizeString string `mapstructure:"size"`

	Platform int `mapstructure:"platform"`
	Device   int `mapstructure:"device"`

	// RAM swaps the device buffer for host memory, for debugging the
	// transports without a GPU.
	RAM bool `mapstructure:"ram"`

	Driver string `mapstructure:"driver"`

	// NBD driver
	ListenAddr string `mapstructure:"listen-addr"`
	ExportName string `mapstructure:"export-name"`

	// ublk driver
	BlockSize  uint32 `mapstructure:"block-size"`
	Queues     int    `mapstructure:"queues"`
	QueueDepth int    `mapstructure:"queue-depth"`

	Mlock   string `mapstructure:"mlock"`
	Verbose bool   `mapstructure:"verbose"`
}

// DefaultQueues picks the queue count when the flag is left at zero.
func DefaultQueues() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	return n
}

// Load resolves the configuration from viper state.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	size, err := ParseSize(cfg.SizeString)
	if err != nil {
		return nil, err
	}
	cfg.Size = size

	if cfg.Queues <= 0 {
		cfg.Queues = DefaultQueues()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseSize parses a human size string like "512M" or "2G". A bare
// number is megabytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := uint64(1 << 20)
	switch suffix := s[len(s)-1]; suffix {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 't', 'T':
		mult = 1 << 40
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	if n > ^uint64(0)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}

	return n * mult, nil
}

// Validate rejects configurations the engines cannot serve.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverNBD, DriverUblk:
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverNBD, DriverUblk)
	}

	switch c.Mlock {
	case MlockWarn, MlockRequire, MlockOff:
	default:
		return fmt.Errorf("unknown mlock policy %q (want %s, %s or %s)",
			c.Mlock, MlockWarn, MlockRequire, MlockOff)
	}

	if c.BlockSize < 512 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block size %d must be a power of two >= 512", c.BlockSize)
	}
	if c.Size%uint64(c.BlockSize) != 0 {
		return fmt.Errorf("size %d is not a multiple of block size %d", c.Size, c.BlockSize)
	}

	if c.Platform < 0 || c.Device < 0 {
		return fmt.Errorf("platform and device indices must not be negative")
	}

	if c.Driver == DriverNBD && c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Driver == DriverUblk {
		if c.Queues < 1 {
			return fmt.Errorf("queue count %d must be at least 1", c.Queues)
		}
		if c.QueueDepth < 1 || c.QueueDepth > 4096 {
			return fmt.Errorf("queue depth %d out of range [1, 4096]", c.QueueDepth)
		}
	}

	return nil
}
