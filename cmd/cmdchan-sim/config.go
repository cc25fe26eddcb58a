package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/joeycumines/logiface"
	"go.yaml.in/yaml/v3"

	"github.com/joeycumines/go-cmdchan/guestmem"
	"github.com/joeycumines/go-cmdchan/ring"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Stats    StatsConfig    `yaml:"stats"`
	Region   RegionConfig   `yaml:"region"`
	Channel  ChannelConfig  `yaml:"channel"`
	Producer ProducerConfig `yaml:"producer"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StatsConfig controls the Prometheus endpoint. An empty Listen disables it.
type StatsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

type RegionConfig struct {
	Size       int    `yaml:"size"`
	RingOffset uint32 `yaml:"ring_offset"`
	RingData   uint32 `yaml:"ring_data"`
	GuestPages int    `yaml:"guest_pages"`
}

type ChannelConfig struct {
	BufferWorkers     int           `yaml:"buffer_workers"`
	TornWriteInterval time.Duration `yaml:"torn_write_interval"`
	TornWriteBackoff  time.Duration `yaml:"torn_write_backoff"`
	TornWriteRetries  int           `yaml:"torn_write_retries"`
}

// ProducerConfig describes the simulated guest workload. Zero values take
// the defaults, so a negative BufferEvery or CancelEvery disables it.
type ProducerConfig struct {
	Commands    int           `yaml:"commands"`
	FillSize    uint32        `yaml:"fill_size"`
	BufferEvery int           `yaml:"buffer_every"`
	CancelEvery int           `yaml:"cancel_every"`
	Backoff     time.Duration `yaml:"backoff"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Stats: StatsConfig{
			Path: "/metrics",
		},
		Region: RegionConfig{
			Size:       1 << 20,
			RingOffset: 1<<20 - 64*1024,
			RingData:   32 * 1024,
			GuestPages: 64,
		},
		Channel: ChannelConfig{
			BufferWorkers:     4,
			TornWriteInterval: time.Millisecond,
			TornWriteBackoff:  50 * time.Millisecond,
			TornWriteRetries:  100,
		},
		Producer: ProducerConfig{
			Commands:    1000,
			FillSize:    4096,
			BufferEvery: 16,
			CancelEvery: 10,
			Backoff:     time.Millisecond,
		},
	}
}

// loadConfig reads the YAML file at path, if any, filling every unset field
// from defaultConfig.
func loadConfig(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := mergo.Merge(&c, defaultConfig()); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	var errs []error
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	r := c.Region
	if r.Size%guestmem.PageSize != 0 {
		errs = append(errs, fmt.Errorf("region.size %d is not a multiple of %d", r.Size, guestmem.PageSize))
	}
	if r.RingOffset%4 != 0 || uint64(r.RingOffset)+ring.HeaderSize+uint64(r.RingData) > uint64(r.Size) {
		errs = append(errs, fmt.Errorf("region.ring_offset %#x with ring_data %d does not fit the region", r.RingOffset, r.RingData))
	}
	p := c.Producer
	if p.FillSize%guestmem.PageSize != 0 || p.FillSize > r.RingOffset/2 {
		errs = append(errs, fmt.Errorf("producer.fill_size %d must be a multiple of %d, at most half the ring offset", p.FillSize, guestmem.PageSize))
	}
	if p.Commands < 0 {
		errs = append(errs, errors.New("producer.commands must not be negative"))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (logiface.Level, error) {
	for _, l := range []logiface.Level{
		logiface.LevelDisabled,
		logiface.LevelEmergency,
		logiface.LevelAlert,
		logiface.LevelCritical,
		logiface.LevelError,
		logiface.LevelWarning,
		logiface.LevelNotice,
		logiface.LevelInformational,
		logiface.LevelDebug,
		logiface.LevelTrace,
	} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown log.level %q", s)
}
