package audionode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		want    NodeConfig
		wantErr bool
	}{
		{
			name:  "named entry",
			entry: "primary@lava.example.com:2333:secret",
			want:  NodeConfig{Name: "primary", Host: "lava.example.com", Port: 2333, Password: "secret"},
		},
		{
			name:  "unnamed entry defaults to main",
			entry: "127.0.0.1:2333:secret",
			want:  NodeConfig{Name: "main", Host: "127.0.0.1", Port: 2333, Password: "secret"},
		},
		{
			name:    "missing password",
			entry:   "127.0.0.1:2333",
			wantErr: true,
		},
		{
			name:    "bad port",
			entry:   "127.0.0.1:notaport:secret",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNodeEntry(tt.entry, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClusterConfig_LoadFromEnvironment(t *testing.T) {
	t.Setenv("AUDIO_NODES", "primary@lava1:2333:pw1, backup@lava2:2334:pw2, broken-entry")
	t.Setenv("AUDIO_NODES_SECURE", "true")
	t.Setenv("AUDIO_SEARCH_PREFIX", "scsearch")
	t.Setenv("AUDIO_WATCHDOG_INTERVAL", "45s")
	t.Setenv("AUDIO_MAX_REBUILDS", "3")

	cfg := DefaultClusterConfig()
	cfg.LoadFromEnvironment()

	// Malformed entries are dropped, valid ones survive.
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "primary", cfg.Nodes[0].Name)
	assert.Equal(t, "lava1", cfg.Nodes[0].Host)
	assert.True(t, cfg.Nodes[0].Secure)
	assert.Equal(t, "backup", cfg.Nodes[1].Name)

	assert.Equal(t, "scsearch", cfg.SearchPrefix)
	assert.Equal(t, 45*time.Second, cfg.WatchdogInterval)
	assert.Equal(t, 3, cfg.MaxRebuilds)
}

func TestClusterConfig_Validate(t *testing.T) {
	valid := func() *ClusterConfig {
		cfg := DefaultClusterConfig()
		cfg.Nodes = []NodeConfig{{Name: "a", Host: "127.0.0.1", Port: 2333, Password: "pw"}}
		return cfg
	}

	assert.NoError(t, valid().Validate())

	t.Run("no nodes", func(t *testing.T) {
		cfg := valid()
		cfg.Nodes = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty host", func(t *testing.T) {
		cfg := valid()
		cfg.Nodes[0].Host = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("port out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Nodes[0].Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty search prefix", func(t *testing.T) {
		cfg := valid()
		cfg.SearchPrefix = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero watchdog interval", func(t *testing.T) {
		cfg := valid()
		cfg.WatchdogInterval = 0
		assert.Error(t, cfg.Validate())
	})
}
