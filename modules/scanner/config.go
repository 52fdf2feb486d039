package scanner

import (
	"flag"
	"time"

	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/util"
)

type Config struct {
	// ScanInterval is the cadence of the scan loop: connector read
	// queues are drained and scripts run once per interval.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// MaxScanAge is how stale the last completed cycle may be before
	// the readiness probe fails.
	MaxScanAge time.Duration `yaml:"max_scan_age"`

	// ReadQueueSize bounds each connector's read queue. A full read
	// queue blocks that connector's runner, never the scan loop.
	ReadQueueSize int `yaml:"read_queue_size"`

	// CommandQueueSize bounds the control channel carrying reload
	// commands from the HTTP API.
	CommandQueueSize int `yaml:"command_queue_size"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.ScanInterval, util.PrefixConfig(prefix, "scan-interval"), 100*time.Millisecond, "Cadence of the scan loop.")
	f.DurationVar(&cfg.MaxScanAge, util.PrefixConfig(prefix, "max-scan-age"), 5*time.Second, "How stale the last scan cycle may be before readiness fails.")
	f.IntVar(&cfg.ReadQueueSize, util.PrefixConfig(prefix, "read-queue-size"), 1024, "Buffered values per connector read queue.")
	f.IntVar(&cfg.CommandQueueSize, util.PrefixConfig(prefix, "command-queue-size"), 16, "Buffered control commands.")
}

func (cfg *Config) Validate() error {
	if cfg.ScanInterval <= 0 {
		return errors.New("scan interval must be positive")
	}
	if cfg.ReadQueueSize <= 0 {
		return errors.New("read queue size must be positive")
	}
	return nil
}
