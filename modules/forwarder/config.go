package forwarder

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/util"
)

type Config struct {
	Bus bus.Config `yaml:"bus"`

	// BatchSize caps how many history rows go into one bus record.
	BatchSize int `yaml:"batch_size"`

	// PollInterval is how often the store is checked for rows past the
	// cursor.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Bus.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "bus"), f)
	f.IntVar(&cfg.BatchSize, util.PrefixConfig(prefix, "batch-size"), 100, "History rows per produced record.")
	f.DurationVar(&cfg.PollInterval, util.PrefixConfig(prefix, "poll-interval"), 100*time.Millisecond, "How often new history rows are forwarded.")
}

func (cfg *Config) Validate() error {
	if err := cfg.Bus.Validate(); err != nil {
		return err
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch size must be positive")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	return nil
}
