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
  shipment_labeled_topic_name: "shipment.labeled"
redis:
  host: "localhost"
  port: 6379
dhl:
  base_url: "https://api.dhl.example"
  api_key: "k"
  mode: "http"
  max_attempts: 3
server:
  http_addr: ":8080"
  carrier_rate_limit: 10
  carrier_rate_limit_window_seconds: 1
  batch_concurrency: 10
  required_fields: ["recipient_name", "street", "city", "postal_code", "country"]
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipment.labeled", cfg.Kafka.ShipmentLabeledTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "http", cfg.DHL.Mode)
	require.Equal(t, 3, cfg.DHL.MaxAttempts)
	require.Equal(t, ":8080", cfg.Server.HTTPAddr)
	require.Equal(t, 10, cfg.Server.CarrierRateLimit)
	require.Equal(t,
		[]string{"recipient_name", "street", "city", "postal_code", "country"},
		cfg.Server.RequiredFields)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/cfg.yaml")
	require.Error(t, err)
}
