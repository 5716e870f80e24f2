package app

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/audiences/internal/config"
	"github.com/foxzi/audiences/internal/staging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.API.APIKey = "test-api-key-0123456789"
	cfg.Database.Path = filepath.Join(dir, "data", "app.db")
	cfg.Staging.Path = filepath.Join(dir, "data", "staging.db")
	cfg.Cleanup.Schedule = "0 3 * * *"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		cfg       config.LoggingConfig
		debugSeen bool
		json      bool
	}{
		{config.LoggingConfig{Level: "debug", Format: "json"}, true, true},
		{config.LoggingConfig{Level: "info", Format: "text"}, false, false},
		{config.LoggingConfig{Level: "error", Format: "text"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Level+"/"+tt.cfg.Format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.cfg, &buf)
			logger.Debug("debug line")
			if got := strings.Contains(buf.String(), "debug line"); got != tt.debugSeen {
				t.Errorf("debug logged = %v, want %v", got, tt.debugSeen)
			}
			logger.Error("error line")
			if got := strings.HasPrefix(buf.String(), "{"); got != tt.json {
				t.Errorf("json output = %v, want %v: %s", got, tt.json, buf.String())
			}
		})
	}
}

func TestOpenStores(t *testing.T) {
	cfg := testConfig(t)

	stores, err := OpenStores(cfg)
	if err != nil {
		t.Fatalf("OpenStores() error = %v", err)
	}
	ctx := context.Background()
	if err := stores.Uploads.Put(ctx, &staging.Upload{JobID: "job", Filename: "a.csv", Content: []byte("x")}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	var n int
	if err := stores.DB.QueryRow("SELECT COUNT(*) FROM import_jobs").Scan(&n); err != nil {
		t.Fatalf("schema not migrated: %v", err)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// reopening keeps staged uploads
	stores, err = OpenStores(cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer stores.Close()
	if u, _ := stores.Uploads.Get(ctx, "job"); u == nil {
		t.Error("upload lost after reopen")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cleanup.Schedule = "not a schedule"

	if _, err := New(cfg, slog.Default()); err == nil {
		t.Fatal("New() error = nil, want invalid schedule")
	}

	// the stores were released, so a second open succeeds
	stores, err := OpenStores(cfg)
	if err != nil {
		t.Fatalf("OpenStores() after failed New error = %v", err)
	}
	stores.Close()
}

func TestShutdown(t *testing.T) {
	a, err := New(testConfig(t), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	a.worker.Start()
	a.scheduler.Start(context.Background())
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
