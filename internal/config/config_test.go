package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "magnetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
downstream:
  host: nas.local
  port: 8081
  use_https: true
  timeout: 12s
  path_mapping:
    - category: tv
      source_prefix: /downloads/tv
      target_prefix: /volume1/tv
path_mapping:
  /downloads: /volume1/downloads
categories:
  tv:
    save_path: /downloads/tv/
    priority: 10
    rules:
      - type: regex
        pattern: 'S\d+E\d+'
        score: 5
  other:
    save_path: /downloads/other/
dispatch:
  max_retries: 5
  base_delay: 100ms
  max_delay: 2s
classifier:
  provider: deepseek
  api_key: sk-test
  few_shot_examples:
    - name: Show.S01E01.1080p
      category: tv
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "https://nas.local:8081", cfg.Downstream.BaseURL())
	require.Equal(t, 12*time.Second, cfg.Downstream.Timeout)
	require.Len(t, cfg.Downstream.PathMapping, 1)
	require.Equal(t, "/volume1/tv", cfg.Downstream.PathMapping[0].TargetPrefix)
	require.Equal(t, "/volume1/downloads", cfg.PathMapping["/downloads"])
	require.Len(t, cfg.Categories, 2)
	require.Equal(t, torrent.RuleRegex, cfg.Categories["tv"].Rules[0].Type)
	require.InDelta(t, 5.0, cfg.Categories["tv"].Rules[0].Score, 0.001)
	require.Equal(t, 5, cfg.Dispatch.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.Dispatch.BaseDelay)
	require.Equal(t, "deepseek-chat", cfg.Classifier.Model)
	require.Equal(t, []FewShotExample{{Name: "Show.S01E01.1080p", Category: "tv"}}, cfg.Classifier.FewShotExamples)
	require.Equal(t, DefaultPromptTemplate, cfg.Classifier.PromptTemplate)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "other", cfg.DefaultCategory)
	require.Len(t, cfg.Categories, 8)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	require.Equal(t, 24*time.Hour, cfg.Classifier.CacheTTL)

	cats := cfg.CategoryList()
	require.Equal(t, "adult", cats[0].Name)
	require.Equal(t, "tv", cats[len(cats)-1].Name)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("MAGNETD_DOWNSTREAM_HOST", "qbt.internal")
	t.Setenv("MAGNETD_DISPATCH_WORKERS", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "qbt.internal", cfg.Downstream.Host)
	require.Equal(t, 9, cfg.Dispatch.Workers)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown default category", func(c *Config) { c.DefaultCategory = "misc" }, "default_category"},
		{"bad rule type", func(c *Config) {
			c.Categories["tv"] = CategoryConfig{Rules: []torrent.Rule{{Type: "glob"}}}
		}, "unknown rule type"},
		{"oracle without key", func(c *Config) { c.Classifier.Provider = "openai" }, "classifier.api_key"},
		{"unknown provider", func(c *Config) { c.Classifier.Provider = "mystery" }, "classifier.provider"},
		{"delay order", func(c *Config) { c.Dispatch.MaxDelay = time.Millisecond }, "dispatch.max_delay"},
		{"batch bounds", func(c *Config) { c.Batcher.InitialBatch = 1000 }, "batcher.initial_batch"},
		{"watermarks", func(c *Config) { c.Batcher.LowWatermark = 0.9 }, "watermarks"},
		{"postgres dsn", func(c *Config) { c.History.Backend = "postgres" }, "history.dsn"},
		{"pool tier", func(c *Config) { c.Pool.Write = 0 }, "pool sizes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestStoreReloadSwapsGeneration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "dispatch:\n  workers: 2\n")
	store, err := NewStore(path, zap.NewNop())
	require.NoError(t, err)

	first := store.Current()
	require.EqualValues(t, 1, first.Seq)
	require.Equal(t, 2, first.Config.Dispatch.Workers)

	writeConfig(t, dir, "dispatch:\n  workers: 6\n")
	gen, err := store.Reload()
	require.NoError(t, err)
	require.EqualValues(t, 2, gen.Seq)
	require.Equal(t, 6, store.Config().Dispatch.Workers)
	require.Equal(t, 2, first.Config.Dispatch.Workers, "published generations are immutable")
}

func TestStoreReloadKeepsPreviousOnInvalidFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "dispatch:\n  workers: 3\n")
	store, err := NewStore(path, nil)
	require.NoError(t, err)

	writeConfig(t, dir, "dispatch:\n  workers: 0\n")
	gen, err := store.Reload()
	require.Error(t, err)
	require.EqualValues(t, 1, gen.Seq)
	require.Equal(t, 3, store.Config().Dispatch.Workers)
}

func TestStoreOnReloadRunsListeners(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "dispatch:\n  workers: 2\n")
	store, err := NewStore(path, nil)
	require.NoError(t, err)

	var seen []uint64
	store.OnReload(func(gen *Generation) { seen = append(seen, gen.Seq) })

	writeConfig(t, dir, "dispatch:\n  workers: 0\n")
	_, err = store.Reload()
	require.Error(t, err)
	writeConfig(t, dir, "dispatch:\n  workers: 5\n")
	_, err = store.Reload()
	require.NoError(t, err)

	require.Equal(t, []uint64{2}, seen)
}

func TestStaticStore(t *testing.T) {
	t.Parallel()

	store := NewStaticStore(Default())
	gen, err := store.Reload()
	require.NoError(t, err)
	require.EqualValues(t, 1, gen.Seq)
}

func TestStoreWatchPicksUpChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "dispatch:\n  workers: 2\n")
	store, err := NewStore(path, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, 20*time.Millisecond) }()

	require.Eventually(t, func() bool {
		writeConfig(t, dir, "dispatch:\n  workers: 7\n")
		return store.Config().Dispatch.Workers == 7
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
