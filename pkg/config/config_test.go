package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	data := `
listen-addr = "127.0.0.1:4002"
heartbeat-interval = "5s"

[bootstrap]
kind = "static"
static-peers = ["/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"]
`
	require.NoError(t, afero.WriteFile(fs, "/etc/ichnaea.toml", []byte(data), 0o644))

	s, err := Load(fs, "/etc/ichnaea.toml")
	require.NoError(t, err)
	require.Equal(t, Settings{
		ListenAddr:        "127.0.0.1:4002",
		HeartbeatInterval: Duration{5 * time.Second},
		Bootstrap: Bootstrap{
			Kind:        "static",
			StaticPeers: []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWExample"},
		},
	}, s)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/missing.toml")
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, afero.WriteFile(fs, "/unknown.toml", []byte(`registry-addr = ":5000"`), 0o644))
	_, err = Load(fs, "/unknown.toml")
	require.ErrorContains(t, err, "invalid config /unknown.toml")

	require.NoError(t, afero.WriteFile(fs, "/duration.toml", []byte(`heartbeat-interval = "soon"`), 0o644))
	_, err = Load(fs, "/duration.toml")
	require.ErrorContains(t, err, "invalid config /duration.toml")
}

func TestMerge(t *testing.T) {
	t.Parallel()

	file := Settings{
		DataDir: "/var/lib/ichnaea",
		Token:   "tok-file",
		Bootstrap: Bootstrap{
			Kind:      "dns",
			DNSDomain: "bootstrap.example.com",
		},
	}
	flags := Settings{
		Token:             "tok-flag",
		HeartbeatInterval: Duration{time.Minute},
	}

	s := Merge(Default(), file, flags)
	require.Equal(t, Settings{
		ListenAddr:        ":4001",
		DataDir:           "/var/lib/ichnaea",
		MetricsAddr:       ":9090",
		Token:             "tok-flag",
		HeartbeatInterval: Duration{time.Minute},
		Bootstrap: Bootstrap{
			Kind:      "dns",
			DNSDomain: "bootstrap.example.com",
		},
	}, s)
	require.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings Settings
		expected string
	}{
		{
			name:     "defaults",
			settings: Default(),
		},
		{
			name:     "empty",
			settings: Settings{},
			expected: "listen address cannot be empty\ndata directory cannot be empty",
		},
		{
			name:     "negative heartbeat",
			settings: Merge(Default(), Settings{HeartbeatInterval: Duration{-time.Second}}),
			expected: "heartbeat interval cannot be negative, got -1s",
		},
		{
			name:     "static without peers",
			settings: Merge(Default(), Settings{Bootstrap: Bootstrap{Kind: "static"}}),
			expected: "static bootstrap requires at least one peer",
		},
		{
			name:     "dns without domain",
			settings: Merge(Default(), Settings{Bootstrap: Bootstrap{Kind: "dns"}}),
			expected: "dns bootstrap requires a domain",
		},
		{
			name:     "unknown kind",
			settings: Merge(Default(), Settings{Bootstrap: Bootstrap{Kind: "http"}}),
			expected: "unknown bootstrap kind http",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.settings.Validate()
			if tt.expected == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.expected)
		})
	}
}
