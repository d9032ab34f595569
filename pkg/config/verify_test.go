package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAgainstEmbeddedSchema(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		assert.NoError(t, VerifyAgainstEmbeddedSchema(&cfg))
	})

	t.Run("missing listen", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.Server.Listen = ""
		err := VerifyAgainstEmbeddedSchema(&cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.listen")
	})

	t.Run("missing crawl timeout", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.Crawl.Timeout = 0
		err := VerifyAgainstEmbeddedSchema(&cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "crawl.timeout")
	})
}

func TestGenerateSchema(t *testing.T) {
	schema, err := GenerateSchema()
	require.NoError(t, err)
	require.NotNil(t, schema)

	data, err := schema.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "crawl")
	assert.Contains(t, string(data), "jobs")
}
