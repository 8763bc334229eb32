package softmac

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds the tunables of a Device. The zero value is not valid; start
// from DefaultConfig.
type Config struct {
	Rate        RateConfig        `toml:"rate"`
	Aggregation AggregationConfig `toml:"aggregation"`
	PowerSave   PowerSaveConfig   `toml:"powersave"`
	Queues      QueueConfig       `toml:"queues"`
	Log         LogConfig         `toml:"log"`
}

// RateConfig configures rate selection.
type RateConfig struct {
	// Algorithm names the rate controller; only "fallback" is built in.
	Algorithm     string `toml:"algorithm"`
	Stages        int    `toml:"stages"`
	TriesPerStage uint8  `toml:"tries_per_stage"`
	Window        int    `toml:"window"`
	RTSThreshold  int    `toml:"rts_threshold"`
}

// AggregationConfig configures block ack sessions.
type AggregationConfig struct {
	// AddBATimeout is how long a TX session waits in REQUESTED for the
	// peer's ADDBA response.
	AddBATimeout time.Duration `toml:"addba_timeout"`

	// SoftwareRetries is how many times an unacknowledged aggregated
	// subframe is resent by the stack while it still fits the window.
	SoftwareRetries int `toml:"software_retries"`
}

// PowerSaveConfig configures buffering for sleeping stations.
type PowerSaveConfig struct {
	// MaxBuffered is the per-station limit of frames held while asleep.
	// The oldest frame is dropped when it is exceeded.
	MaxBuffered int `toml:"max_buffered"`

	// WakeOnDrainedSP treats a station as awake when a service period
	// ends with nothing left buffered for it.
	WakeOnDrainedSP bool `toml:"wake_on_drained_sp"`
}

// QueueConfig configures hardware queue backlogs.
type QueueConfig struct {
	MaxBacklog int `toml:"max_backlog"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		Rate: RateConfig{
			Algorithm:     "fallback",
			Stages:        3,
			TriesPerStage: 2,
			Window:        10,
			RTSThreshold:  2347,
		},
		Aggregation: AggregationConfig{
			AddBATimeout:    time.Second,
			SoftwareRetries: 1,
		},
		PowerSave: PowerSaveConfig{
			MaxBuffered:     64,
			WakeOnDrainedSP: true,
		},
		Queues: QueueConfig{
			MaxBacklog: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load softmac config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("load softmac config: unknown keys: %s", strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load softmac config: %w", err)
	}
	return cfg, nil
}

// Validate checks that the Config is usable.
func (c Config) Validate() error {
	switch {
	case c.Rate.Algorithm != "fallback":
		return fmt.Errorf("unsupported rate algorithm %q", c.Rate.Algorithm)
	case c.Rate.Stages < 1 || c.Rate.Stages > MaxRates:
		return fmt.Errorf("rate stages %d outside 1-%d", c.Rate.Stages, MaxRates)
	case c.Rate.TriesPerStage == 0:
		return fmt.Errorf("rate tries_per_stage must be positive")
	case c.Rate.Window < 1:
		return fmt.Errorf("rate window must be positive")
	case c.Rate.RTSThreshold < 0:
		return fmt.Errorf("negative rts_threshold %d", c.Rate.RTSThreshold)
	case c.Aggregation.AddBATimeout <= 0:
		return fmt.Errorf("aggregation addba_timeout must be positive")
	case c.Aggregation.SoftwareRetries < 0:
		return fmt.Errorf("negative aggregation software_retries")
	case c.PowerSave.MaxBuffered < 1:
		return fmt.Errorf("powersave max_buffered must be positive")
	case c.Queues.MaxBacklog < 0:
		return fmt.Errorf("negative queues max_backlog")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}
