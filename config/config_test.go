package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  request_dispatched_topic_name: "request.dispatched"
redis:
  host: "localhost"
  port: 6379
parceldesk:
  http_addr: ":8080"
  kafka_consumer_group: "parcel-worker"
  current_status_ttl_seconds: 600
  worker_rate_limit_fedex_per_minute: 30
  adapter_mode: "live"
carriers:
  usps:
    user_id: "usps-user"
  fedex:
    api_key: "k"
    api_secret: "s"
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "request.dispatched", cfg.Kafka.RequestDispatchedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.ParcelDesk.HTTPAddr)
	require.Equal(t, 30, cfg.ParcelDesk.WorkerRateLimitFedExPerMinute)
	require.Equal(t, "live", cfg.ParcelDesk.AdapterMode)
	require.Equal(t, "usps-user", cfg.Carriers.USPS.UserID)
	require.Equal(t, "s", cfg.Carriers.FedEx.APISecret)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
