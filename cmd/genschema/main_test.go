package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	data, err := generate()
	require.NoError(t, err)

	var schema struct {
		Title       string                     `json:"title"`
		Ref         string                     `json:"$ref"`
		Definitions map[string]json.RawMessage `json:"$defs"`
	}
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "millsync configuration", schema.Title)
	require.Contains(t, schema.Definitions, "Config")

	var cfg struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(schema.Definitions["Config"], &cfg))
	for _, key := range []string{"data_dir", "log_level", "sync", "conflicts", "remote", "http"} {
		assert.Contains(t, cfg.Properties, key)
	}

	var remote struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.Contains(t, schema.Definitions, "Remote")
	require.NoError(t, json.Unmarshal(schema.Definitions["Remote"], &remote))
	assert.NotContains(t, remote.Properties, "AccessKey")
	assert.NotContains(t, remote.Properties, "access_key")
}

func TestGenerate_Durations(t *testing.T) {
	data, err := generate()
	require.NoError(t, err)
	assert.Contains(t, string(data), "Go duration such as 30s")
}
