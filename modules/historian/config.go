package historian

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/util"
)

type Config struct {
	// BatchSize caps how many buffered values are written per statement.
	BatchSize int `yaml:"batch_size"`

	// RetentionPeriod bounds how far back history rows are kept. Zero
	// keeps everything.
	RetentionPeriod time.Duration `yaml:"retention_period"`

	// InputQueueSize bounds the channel between the scan loop and the
	// store writer.
	InputQueueSize int `yaml:"input_queue_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, util.PrefixConfig(prefix, "batch-size"), 100, "Values written per history insert.")
	f.DurationVar(&cfg.RetentionPeriod, util.PrefixConfig(prefix, "retention-period"), 24*time.Hour, "How long history rows are kept. 0 disables deletion.")
	f.IntVar(&cfg.InputQueueSize, util.PrefixConfig(prefix, "input-queue-size"), 8192, "Buffered values between the scan loop and the store writer.")
}

func (cfg *Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.InputQueueSize <= 0 {
		return errors.New("input queue size must be positive")
	}
	return nil
}
