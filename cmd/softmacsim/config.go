package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mdlayher/softmac"
)

// A simConfig describes a simulated network: one access point and its
// stations sharing an in-process medium, or a single radio on a
// mac80211_hwsim medium.
type simConfig struct {
	Stations  int
	Freq      uint16
	Interval  time.Duration
	Duration  time.Duration
	AckOn     int
	Signal    int8
	AirQueue  int
	Aggregate bool
	PowerSave bool

	// HWSimAddr selects the mac80211_hwsim medium when set.
	HWSimAddr net.HardwareAddr

	Device softmac.Config
}

func defaultSimConfig() simConfig {
	return simConfig{
		Stations: 2,
		Freq:     2412,
		Interval: 100 * time.Millisecond,
		AckOn:    1,
		Signal:   -50,
		AirQueue: 16,
		Device:   softmac.DefaultConfig(),
	}
}

type fileConfig struct {
	Stations     int    `toml:"stations"`
	Freq         uint16 `toml:"freq"`
	Interval     string `toml:"interval"`
	Duration     string `toml:"duration"`
	AckOn        int    `toml:"ack_on"`
	Signal       int8   `toml:"signal"`
	AirQueue     int    `toml:"air_queue"`
	Aggregate    bool   `toml:"aggregate"`
	PowerSave    bool   `toml:"powersave"`
	HWSimAddr    string `toml:"hwsim_addr"`
	DeviceConfig string `toml:"device_config"`
}

func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return simConfig{}, fmt.Errorf("load sim config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return simConfig{}, fmt.Errorf("load sim config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("stations") {
		cfg.Stations = raw.Stations
	}
	if meta.IsDefined("freq") {
		cfg.Freq = raw.Freq
	}
	if meta.IsDefined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	if meta.IsDefined("duration") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Duration))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse duration: %w", err)
		}
		cfg.Duration = d
	}
	if meta.IsDefined("ack_on") {
		cfg.AckOn = raw.AckOn
	}
	if meta.IsDefined("signal") {
		cfg.Signal = raw.Signal
	}
	if meta.IsDefined("air_queue") {
		cfg.AirQueue = raw.AirQueue
	}
	if meta.IsDefined("aggregate") {
		cfg.Aggregate = raw.Aggregate
	}
	if meta.IsDefined("powersave") {
		cfg.PowerSave = raw.PowerSave
	}
	if meta.IsDefined("hwsim_addr") {
		addr, err := net.ParseMAC(strings.TrimSpace(raw.HWSimAddr))
		if err != nil {
			return simConfig{}, fmt.Errorf("parse hwsim_addr: %w", err)
		}
		cfg.HWSimAddr = addr
	}
	if meta.IsDefined("device_config") {
		dc, err := softmac.LoadConfig(strings.TrimSpace(raw.DeviceConfig))
		if err != nil {
			return simConfig{}, err
		}
		cfg.Device = dc
	}

	if err := cfg.validate(); err != nil {
		return simConfig{}, fmt.Errorf("load sim config: %w", err)
	}
	return cfg, nil
}

func (c simConfig) validate() error {
	switch {
	case c.Stations < 0 || c.Stations > 250:
		return fmt.Errorf("stations %d outside 0-250", c.Stations)
	case c.Freq == 0:
		return errors.New("freq must be set")
	case c.Interval <= 0:
		return errors.New("interval must be positive")
	case c.Duration < 0:
		return errors.New("negative duration")
	case c.AckOn < 0:
		return errors.New("negative ack_on")
	case c.AirQueue < 0:
		return errors.New("negative air_queue")
	}
	return nil
}
