package consumer

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/util"
)

type Config struct {
	Bus bus.Config `yaml:"bus"`

	// LagExportInterval is how often the consumer group lag is queried
	// and exported as a gauge.
	LagExportInterval time.Duration `yaml:"lag_export_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Bus.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "bus"), f)
	f.DurationVar(&cfg.LagExportInterval, util.PrefixConfig(prefix, "lag-export-interval"), 15*time.Second, "How often consumer group lag is exported.")
}

func (cfg *Config) Validate() error {
	if err := cfg.Bus.Validate(); err != nil {
		return err
	}
	if cfg.Bus.GroupID == "" {
		return errors.New("no consumer group configured")
	}
	if cfg.LagExportInterval <= 0 {
		return errors.New("lag export interval must be positive")
	}
	return nil
}
