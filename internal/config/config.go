// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads the simulator configuration.
//
// Values come from, in increasing precedence: [Default], a TOML file, dotenv
// files, and the process environment. Environment keys are the upper-case
// TOML keys with the EHSIM_ prefix, e.g. EHSIM_POLL_TIMEOUT=5ms.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"code.hybscloud.com/eh"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EHSIM_"

// ErrInvalid indicates a configuration value out of range.
var ErrInvalid = errors.New("config: invalid value")

// Config is the simulator configuration.
type Config struct {
	// Engine
	Fifo            int           `toml:"fifo"`
	DstBuffer3K     bool          `toml:"dst_buffer_3k"`
	SkipGlobalReset bool          `toml:"skip_global_reset"`
	PollTimeout     time.Duration `toml:"poll_timeout"`

	// Device
	Slots   int `toml:"slots"`
	Buffers int `toml:"buffers"`

	// Workload
	Producers int     `toml:"producers"`
	Pages     int     `toml:"pages"`
	Rate      float64 `toml:"rate"`    // pages per second, 0 for unlimited
	HaltAt    int     `toml:"halt_at"` // descriptor sequence to halt on, -1 for none

	LogLevel string `toml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Fifo:        eh.DefaultFifoSize,
		PollTimeout: eh.DefaultPollTimeout,
		Slots:       4,
		Buffers:     2,
		Producers:   4,
		Pages:       1024,
		HaltAt:      -1,
		LogLevel:    "warning",
	}
}

// Load returns the configuration read from path (skipped when empty) with
// overrides from envFiles and the environment applied, then validated.
func Load(path string, envFiles ...string) (Config, error) {
	c := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return c, fmt.Errorf("config: %w", err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return c, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, keys[0].String(), path)
		}
	}

	fileEnv := map[string]string{}
	if len(envFiles) > 0 {
		var err error
		if fileEnv, err = godotenv.Read(envFiles...); err != nil {
			return c, fmt.Errorf("config: %w", err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}
	if err := c.applyEnv(lookup); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"FIFO":      &c.Fifo,
		"SLOTS":     &c.Slots,
		"BUFFERS":   &c.Buffers,
		"PRODUCERS": &c.Producers,
		"PAGES":     &c.Pages,
		"HALT_AT":   &c.HaltAt,
	}
	for k, p := range ints {
		if v, ok := lookup(EnvPrefix + k); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, k, v)
			}
			*p = n
		}
	}

	bools := map[string]*bool{
		"DST_BUFFER_3K":     &c.DstBuffer3K,
		"SKIP_GLOBAL_RESET": &c.SkipGlobalReset,
	}
	for k, p := range bools {
		if v, ok := lookup(EnvPrefix + k); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, k, v)
			}
			*p = b
		}
	}

	if v, ok := lookup(EnvPrefix + "POLL_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %sPOLL_TIMEOUT=%q", ErrInvalid, EnvPrefix, v)
		}
		c.PollTimeout = d
	}
	if v, ok := lookup(EnvPrefix + "RATE"); ok {
		r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: %sRATE=%q", ErrInvalid, EnvPrefix, v)
		}
		c.Rate = r
	}
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks every value. Ring geometry is checked again by eh.Attach.
func (c *Config) Validate() error {
	switch {
	case c.Fifo < 2 || c.Fifo > eh.MaxFifoSize || c.Fifo&(c.Fifo-1) != 0:
		return fmt.Errorf("%w: fifo %d is not a power of 2 in [2, %d]", ErrInvalid, c.Fifo, eh.MaxFifoSize)
	case c.PollTimeout <= 0:
		return fmt.Errorf("%w: poll_timeout %v", ErrInvalid, c.PollTimeout)
	case c.Slots < 1 || c.Slots > eh.MaxDecompressionCmds:
		return fmt.Errorf("%w: slots %d", ErrInvalid, c.Slots)
	case c.Buffers < 1 || c.Buffers > eh.NumDstBuffers:
		return fmt.Errorf("%w: buffers %d", ErrInvalid, c.Buffers)
	case c.DstBuffer3K && c.Buffers < 2:
		return fmt.Errorf("%w: dst_buffer_3k needs 2 buffers", ErrInvalid)
	case c.Producers < 1:
		return fmt.Errorf("%w: producers %d", ErrInvalid, c.Producers)
	case c.Pages < 0:
		return fmt.Errorf("%w: pages %d", ErrInvalid, c.Pages)
	case c.Rate < 0:
		return fmt.Errorf("%w: rate %v", ErrInvalid, c.Rate)
	case c.HaltAt < -1:
		return fmt.Errorf("%w: halt_at %d", ErrInvalid, c.HaltAt)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Level returns the parsed log level. Call after Validate.
func (c *Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return l
}

// Builder returns the engine builder for c.
func (c *Config) Builder() *eh.Builder {
	b := eh.New(c.Fifo).PollTimeout(c.PollTimeout)
	if c.DstBuffer3K {
		b.DstBuffer3K()
	}
	if c.SkipGlobalReset {
		b.SkipGlobalReset()
	}
	return b
}
