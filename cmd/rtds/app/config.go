package app

import (
	"flag"
	"strings"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/modules/consumer"
	"github.com/rtds-project/rtds/modules/forwarder"
	"github.com/rtds-project/rtds/modules/historian"
	"github.com/rtds-project/rtds/modules/scanner"
	"github.com/rtds-project/rtds/pkg/util"
	"github.com/rtds-project/rtds/rtdb"
)

// Config is the root config for App.
type Config struct {
	Target            string `yaml:"target,omitempty"`
	MetricsBufferSize int    `yaml:"metrics_buffer_size,omitempty"`

	Server    server.Config    `yaml:"server,omitempty"`
	Store     rtdb.Config      `yaml:"store,omitempty"`
	Historian historian.Config `yaml:"historian,omitempty"`
	Scanner   scanner.Config   `yaml:"scanner,omitempty"`
	API       api.Config       `yaml:"api,omitempty"`
	Forwarder forwarder.Config `yaml:"forwarder,omitempty"`
	Consumer  consumer.Config  `yaml:"consumer,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = All
	// global settings
	f.StringVar(&c.Target, "target", All, "target module")
	f.IntVar(&c.MetricsBufferSize, "metrics.buffer-size", 1024, "Buffered metric updates before publishers start dropping them.")

	// Server settings
	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 5001, "HTTP server listen port.")

	// Everything else
	c.Store.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "store"), f)
	c.Historian.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "historian"), f)
	c.Scanner.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "scanner"), f)
	c.API.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "api"), f)
	c.Forwarder.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "forwarder"), f)
	c.Consumer.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "consumer"), f)
}

// NewDefaultConfig returns a Config with all the defaults applied.
func NewDefaultConfig() *Config {
	c := &Config{}
	c.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	return c
}

// Environment variables recognised on top of the config file and flags.
// These are the names the container images have always been configured
// with, so they keep working here.
const (
	envDBURL            = "STORE_DB_URL"
	envSQLEcho          = "STORE_SQL_ENGINE_ECHO"
	envStoreBatchSize   = "STORE_BATCH_SIZE"
	envHistoryHours     = "STORE_HISTORY_HOURS"
	envBootstrapServers = "KAFKA_BOOTSTRAP_SERVERS"
	envTopic            = "KAFKA_TOPIC"
	envGroupID          = "KAFKA_GROUP_ID"
	envAutoCommitMs     = "KAFKA_AUTO_COMMIT_INTERVAL_MS"
	envSessionTimeoutMs = "KAFKA_SESSION_TIMEOUT_MS"
	envKafkaBatchSize   = "KAFKA_BATCH_SIZE"
	envLogLevel         = "LOG_LEVEL"
)

// ApplyEnvOverrides overlays configuration from the environment. It runs
// after the config file and flags, so the environment wins.
func (c *Config) ApplyEnvOverrides() error {
	v := viper.New()
	for _, name := range []string{
		envDBURL, envSQLEcho, envStoreBatchSize, envHistoryHours,
		envBootstrapServers, envTopic, envGroupID,
		envAutoCommitMs, envSessionTimeoutMs, envKafkaBatchSize,
		envLogLevel,
	} {
		if err := v.BindEnv(name); err != nil {
			return err
		}
	}

	// An empty value is treated the same as an unset variable.
	if s := v.GetString(envDBURL); s != "" {
		c.Store.URL = s
	}
	if v.GetString(envSQLEcho) != "" {
		c.Store.Echo = v.GetBool(envSQLEcho)
	}
	if v.GetString(envStoreBatchSize) != "" {
		c.Historian.BatchSize = v.GetInt(envStoreBatchSize)
	}
	if v.GetString(envHistoryHours) != "" {
		c.Historian.RetentionPeriod = time.Duration(v.GetInt(envHistoryHours)) * time.Hour
	}

	if s := v.GetString(envBootstrapServers); s != "" {
		if err := c.Forwarder.Bus.BootstrapServers.Set(s); err != nil {
			return err
		}
		if err := c.Consumer.Bus.BootstrapServers.Set(s); err != nil {
			return err
		}
	}
	if s := v.GetString(envTopic); s != "" {
		c.Forwarder.Bus.Topic = s
		c.Consumer.Bus.Topic = s
	}
	if s := v.GetString(envGroupID); s != "" {
		c.Consumer.Bus.GroupID = s
	}
	if v.GetString(envAutoCommitMs) != "" {
		c.Consumer.Bus.AutoCommitInterval = time.Duration(v.GetInt(envAutoCommitMs)) * time.Millisecond
	}
	if v.GetString(envSessionTimeoutMs) != "" {
		c.Consumer.Bus.SessionTimeout = time.Duration(v.GetInt(envSessionTimeoutMs)) * time.Millisecond
	}
	if v.GetString(envKafkaBatchSize) != "" {
		c.Forwarder.BatchSize = v.GetInt(envKafkaBatchSize)
	}

	if s := v.GetString(envLogLevel); s != "" {
		if err := c.Server.LogLevel.Set(s); err != nil {
			return err
		}
	}

	return nil
}

// ConfigWarning bundles a warning message with an explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnRetentionShort = ConfigWarning{
		Message: "historian.retention-period is under an hour",
		Explain: "history rows may be deleted before the forwarder has shipped them",
	}
	warnScanAge = ConfigWarning{
		Message: "scanner.max-scan-age is below scanner.scan-interval",
		Explain: "the readiness probe will fail between scan cycles",
	}
	warnMemoryStore = ConfigWarning{
		Message: "store.db-url points at an in-memory database",
		Explain: "history will not survive a restart",
	}
)

// CheckConfig checks if config values are suspect.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.Historian.RetentionPeriod > 0 && c.Historian.RetentionPeriod < time.Hour {
		warnings = append(warnings, warnRetentionShort)
	}
	if c.Scanner.MaxScanAge < c.Scanner.ScanInterval {
		warnings = append(warnings, warnScanAge)
	}
	if c.Store.URL == "sqlite://" || strings.Contains(c.Store.URL, ":memory:") {
		warnings = append(warnings, warnMemoryStore)
	}

	return warnings
}

var metricConfigFeatDesc = prometheus.NewDesc("rtds_feature_enabled", "Per-feature enablement", []string{"feature"}, nil)

// Describe implements prometheus.Collector.
func (c *Config) Describe(ch chan<- *prometheus.Desc) {
	ch <- metricConfigFeatDesc
}

// Collect implements prometheus.Collector.
func (c *Config) Collect(ch chan<- prometheus.Metric) {
	features := map[string]bool{
		"history_retention": c.Historian.RetentionPeriod > 0,
		"sql_echo":          c.Store.Echo,
	}

	for f, enabled := range features {
		v := 0.
		if enabled {
			v = 1.
		}
		ch <- prometheus.MustNewConstMetric(metricConfigFeatDesc, prometheus.GaugeValue, v, f)
	}
}
