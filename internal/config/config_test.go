package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORE_DRIVER", "KAFKA_BROKERS", "TRACKING_MAX_SESSION_AGE", "CONSUMER_TOPICS", "DLQ_MAX_RETRIES", "DLQ_BASE_DELAY", "CORS_ORIGINS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Empty(t, cfg.KafkaBrokers)
	require.Zero(t, cfg.TrackingMaxSessionAge)
	require.Equal(t, "abandon", cfg.TrackingDisplacement)
	require.Equal(t, []string{"activity_events", "tracking_events"}, cfg.ConsumerTopics)
	require.Equal(t, 5, cfg.DLQMaxRetries)
	require.Equal(t, time.Minute, cfg.DLQBaseDelay)
	require.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("TRACKING_MAX_SESSION_AGE", "6h")
	t.Setenv("OUTBOX_BATCH_SIZE", "not-a-number")
	t.Setenv("DLQ_BASE_DELAY", "15s")
	t.Setenv("CORS_ORIGINS", "https://app.example,https://admin.example")

	cfg := Load()
	require.Equal(t, DriverSQLite, cfg.StoreDriver)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 6*time.Hour, cfg.TrackingMaxSessionAge)
	require.Equal(t, 25, cfg.OutboxBatchSize)
	require.Equal(t, 15*time.Second, cfg.DLQBaseDelay)
	require.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.CORSOrigins)
}
