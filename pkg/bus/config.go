package bus

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"

	"github.com/rtds-project/rtds/pkg/util"
)

// Config holds the Kafka connection settings shared by the forwarder
// and the consumer.
type Config struct {
	BootstrapServers   flagext.StringSliceCSV `yaml:"bootstrap_servers"`
	Topic              string                 `yaml:"topic"`
	ClientID           string                 `yaml:"client_id"`
	GroupID            string                 `yaml:"group_id"`
	SessionTimeout     time.Duration          `yaml:"session_timeout"`
	AutoCommitInterval time.Duration          `yaml:"auto_commit_interval"`
	DialTimeout        time.Duration          `yaml:"dial_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.BootstrapServers = flagext.StringSliceCSV{"localhost:9092"}
	f.Var(&cfg.BootstrapServers, util.PrefixConfig(prefix, "bootstrap-servers"), "Comma-separated list of Kafka bootstrap servers.")
	f.StringVar(&cfg.Topic, util.PrefixConfig(prefix, "topic"), "history_data", "Kafka topic history batches are produced to and consumed from.")
	f.StringVar(&cfg.ClientID, util.PrefixConfig(prefix, "client-id"), "rtds", "Kafka client ID.")
	f.StringVar(&cfg.GroupID, util.PrefixConfig(prefix, "group-id"), "history_consumer", "Kafka consumer group ID.")
	f.DurationVar(&cfg.SessionTimeout, util.PrefixConfig(prefix, "session-timeout"), 10*time.Second, "Kafka consumer group session timeout.")
	f.DurationVar(&cfg.AutoCommitInterval, util.PrefixConfig(prefix, "auto-commit-interval"), 5*time.Second, "How often marked offsets are committed.")
	f.DurationVar(&cfg.DialTimeout, util.PrefixConfig(prefix, "dial-timeout"), 10*time.Second, "Kafka broker dial timeout.")
}

func (cfg *Config) Validate() error {
	if len(cfg.BootstrapServers) == 0 {
		return errors.New("no bootstrap servers configured")
	}
	if cfg.Topic == "" {
		return errors.New("no topic configured")
	}
	return nil
}
