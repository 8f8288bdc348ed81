package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgard/signalbot/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() with missing file unexpected error: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Queue.MaxDeliveries != 8 {
		t.Errorf("max deliveries = %d, want 8", cfg.Queue.MaxDeliveries)
	}
	if cfg.Queue.VisibilityTimeout != 30*time.Second {
		t.Errorf("visibility timeout = %v, want 30s", cfg.Queue.VisibilityTimeout)
	}
	if cfg.Registration.MaxSmsAttempts != 3 {
		t.Errorf("max sms attempts = %d, want 3", cfg.Registration.MaxSmsAttempts)
	}
	if cfg.Registration.InitialBackoff != time.Minute {
		t.Errorf("initial backoff = %v, want 1m", cfg.Registration.InitialBackoff)
	}
	if cfg.Pipeline.StockWorkers != 4 {
		t.Errorf("stock workers = %d, want 4", cfg.Pipeline.StockWorkers)
	}
	if task, ok := cfg.Scheduler.Tasks["queue_retention"]; !ok || !task.Enabled {
		t.Errorf("queue_retention task = %+v, want enabled by default", task)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log:
  level: debug
  json: false
queue:
  max_deliveries: 3
pipeline:
  inbound_workers: 2
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Queue.MaxDeliveries != 3 {
		t.Errorf("max deliveries = %d, want 3", cfg.Queue.MaxDeliveries)
	}
	if cfg.Pipeline.InboundWorkers != 2 {
		t.Errorf("inbound workers = %d, want 2", cfg.Pipeline.InboundWorkers)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.NackDelay != 5*time.Second {
		t.Errorf("nack delay = %v, want default 5s", cfg.Queue.NackDelay)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad log level",
			content: `
log:
  level: loud
`,
		},
		{
			name: "max deliveries out of range",
			content: `
queue:
  max_deliveries: 500
`,
		},
		{
			name: "marketdata url not a url",
			content: `
marketdata:
  base_url: "not a url"
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatalf("failed to write config file: %v", err)
			}

			if _, err := config.Load(path); err == nil {
				t.Error("Load() accepted invalid configuration, want error")
			}
		})
	}
}
