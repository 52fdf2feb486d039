package app

import (
	"testing"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_CheckConfig(t *testing.T) {
	tt := []struct {
		name   string
		config *Config
		expect []ConfigWarning
	}{
		{
			name:   "check default cfg and expect no warnings",
			config: NewDefaultConfig(),
			expect: nil,
		},
		{
			name: "hit all warnings",
			config: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Historian.RetentionPeriod = 30 * time.Minute
				cfg.Scanner.MaxScanAge = 50 * time.Millisecond
				cfg.Store.URL = "sqlite://"
				return cfg
			}(),
			expect: []ConfigWarning{
				warnRetentionShort,
				warnScanAge,
				warnMemoryStore,
			},
		},
		{
			name: "retention disabled is not short",
			config: func() *Config {
				cfg := NewDefaultConfig()
				cfg.Historian.RetentionPeriod = 0
				return cfg
			}(),
			expect: nil,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			warnings := tc.config.CheckConfig()
			assert.Equal(t, tc.expect, warnings)
		})
	}
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DB_URL", "postgres://rtds:rtds@db:5432/rtds")
	t.Setenv("STORE_SQL_ENGINE_ECHO", "1")
	t.Setenv("STORE_BATCH_SIZE", "250")
	t.Setenv("STORE_HISTORY_HOURS", "48")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("KAFKA_TOPIC", "plant_data")
	t.Setenv("KAFKA_GROUP_ID", "plant_consumer")
	t.Setenv("KAFKA_AUTO_COMMIT_INTERVAL_MS", "2000")
	t.Setenv("KAFKA_SESSION_TIMEOUT_MS", "30000")
	t.Setenv("KAFKA_BATCH_SIZE", "500")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "postgres://rtds:rtds@db:5432/rtds", cfg.Store.URL)
	assert.True(t, cfg.Store.Echo)
	assert.Equal(t, 250, cfg.Historian.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.Historian.RetentionPeriod)

	servers := flagext.StringSliceCSV{"kafka-1:9092", "kafka-2:9092"}
	assert.Equal(t, servers, cfg.Forwarder.Bus.BootstrapServers)
	assert.Equal(t, servers, cfg.Consumer.Bus.BootstrapServers)
	assert.Equal(t, "plant_data", cfg.Forwarder.Bus.Topic)
	assert.Equal(t, "plant_data", cfg.Consumer.Bus.Topic)
	assert.Equal(t, "plant_consumer", cfg.Consumer.Bus.GroupID)
	assert.Equal(t, 2*time.Second, cfg.Consumer.Bus.AutoCommitInterval)
	assert.Equal(t, 30*time.Second, cfg.Consumer.Bus.SessionTimeout)
	assert.Equal(t, 500, cfg.Forwarder.BatchSize)
	assert.Equal(t, "debug", cfg.Server.LogLevel.String())
}

func TestConfig_ApplyEnvOverridesIgnoresEmptyValues(t *testing.T) {
	t.Setenv("STORE_DB_URL", "")
	t.Setenv("STORE_BATCH_SIZE", "")
	t.Setenv("KAFKA_TOPIC", "")

	cfg := NewDefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "sqlite:///data/history.db", cfg.Store.URL)
	assert.Equal(t, 100, cfg.Historian.BatchSize)
	assert.Equal(t, "history_data", cfg.Forwarder.Bus.Topic)
}
