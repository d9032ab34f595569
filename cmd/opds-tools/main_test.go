package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(Opts{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 5, cfg.Crawl.Workers)
	assert.Equal(t, 24*time.Hour, cfg.Jobs.Retention)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	cfg, err := loadConfig(Opts{Listen: ":9999", MaxPages: 7, Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 7, cfg.Crawl.MaxPages)
	assert.True(t, cfg.Crawl.Parallel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(Opts{Config: "non-existent-config.yml"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load config")
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
server:
  listen: ":18099"
crawl:
  max_pages: 3
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := loadConfig(Opts{Config: path})
	require.NoError(t, err)
	assert.Equal(t, ":18099", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Crawl.MaxPages)
	assert.Equal(t, 5, cfg.Crawl.Workers) // default fills the gap
}

func TestRunAnalyze_MissingURL(t *testing.T) {
	cfg, err := loadConfig(Opts{})
	require.NoError(t, err)

	err = runAnalyze(context.Background(), cfg, Opts{JSON: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed URL is required")
}

func TestRunAnalyze_EndToEnd(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/opds+json")
		w.Write([]byte(`{
			"metadata": {"title": "Test Catalog"},
			"links": [{"rel": "self", "href": "/feed"}],
			"publications": [{
				"metadata": {"identifier": "urn:isbn:9780000000001", "title": "Book", "author": "A. Writer"},
				"links": [{"rel": "http://opds-spec.org/acquisition/open-access", "href": "/b.epub", "type": "application/epub+zip"}]
			}]
		}`))
	}))
	defer ts.Close()

	cfg, err := loadConfig(Opts{})
	require.NoError(t, err)
	cfg.Crawl.RetryDelay = time.Millisecond

	opts := Opts{Kind: "opds", JSON: true}
	opts.Args.URL = ts.URL + "/feed"
	require.NoError(t, runAnalyze(context.Background(), cfg, opts))
}

func TestSetupLog(t *testing.T) {
	t.Run("debug mode", func(t *testing.T) {
		setupLog(true)
	})
	t.Run("with secret", func(t *testing.T) {
		setupLog(false, "hunter2")
	})
	t.Run("empty secrets are skipped", func(t *testing.T) {
		setupLog(false, "")
	})
}
