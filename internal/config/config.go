// Package config holds the Agent's own process configuration (bind
// address, filesystem root, log verbosity) as distinct from the
// game-server ConfigDocument types owned by internal/configstore.
//
// It follows cmn/config.go's global-config-owner idiom (
// globalConfigOwner: an atomically swapped pointer behind a small
// accessor API) reduced to the single-process case - there is no
// cluster-wide config propagation here, just one process reading its
// own environment and flags once at startup.
package config

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Config is the Agent's own process configuration.
type Config struct {
	BindAddress string `mapstructure:"bind_address"`
	BindPort    int    `mapstructure:"bind_port"`
	Root        string `mapstructure:"root"`
	LogVerbosity int   `mapstructure:"log_verbosity"`

	OperationTTL       time.Duration `mapstructure:"operation_ttl"`
	StopGraceTimeout   time.Duration `mapstructure:"stop_grace_timeout"`
	RconCommandTimeout time.Duration `mapstructure:"rcon_command_timeout"`
	SamplerInterval    time.Duration `mapstructure:"sampler_interval"`
	SubscriberBuffer   int           `mapstructure:"subscriber_buffer"`
	UploadGracePeriod  time.Duration `mapstructure:"upload_grace_period"`
}

// Default returns the Agent's built-in defaults, used as the Viper base
// layer in cmd/agent and directly by tests that don't exercise the CLI.
func Default() *Config {
	return &Config{
		BindAddress:        "0.0.0.0",
		BindPort:           8080,
		Root:               "./agent-root",
		LogVerbosity:       1,
		OperationTTL:       5 * time.Minute,
		StopGraceTimeout:   30 * time.Second,
		RconCommandTimeout: 10 * time.Second,
		SamplerInterval:    5 * time.Second,
		SubscriberBuffer:   1024,
		UploadGracePeriod:  60 * time.Second,
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.BindPort)
}

// owner is an atomically-swapped global Config, mirroring the
// globalConfigOwner without the multi-node subscriber/commit protocol -
// a single-host Agent has exactly one reader population: its own
// goroutines, observing via Get.
type owner struct {
	v atomic.Value
}

var global owner

func init() {
	global.v.Store(Default())
}

// Get returns the currently active Config. Safe for concurrent use.
func Get() *Config {
	return global.v.Load().(*Config)
}

// Set installs a new Config as the currently active one. Called once at
// startup after flags/env have been resolved.
func Set(c *Config) {
	global.v.Store(c)
}
