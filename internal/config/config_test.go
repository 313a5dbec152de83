package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Network.Recovery)
	assert.Equal(t, 64<<20, cfg.Network.MaxFrameBytes)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treenet.yaml")
	data := `
node:
  host: fe01
  listen_addr: 127.0.0.1:7000
network:
  shutdown_grace: 2s
  recovery: false
  reconnect_rate: 5
events:
  nats_url: nats://127.0.0.1:4222
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fe01", cfg.Node.Host)
	assert.Equal(t, "127.0.0.1:7000", cfg.Node.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Network.ShutdownGrace)
	assert.False(t, cfg.Network.Recovery)
	assert.Equal(t, 5.0, cfg.Network.ReconnectRate)
	assert.Equal(t, 10*time.Second, cfg.Network.DialTimeout, "default kept")
	assert.Equal(t, "treenet.events", cfg.Events.SubjectPrefix)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "network:\n  bogus: 1\n", "bogus"},
		{"bad host", "node:\n  host: 'a:b'\n", "node.host"},
		{"bad listen", "node:\n  listen_addr: nope\n", "listen_addr"},
		{"zero frame", "network:\n  max_frame_bytes: 0\n", "max_frame_bytes"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"missing prefix", "events:\n  nats_url: nats://x\n  subject_prefix: ''\n", "subject_prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Network, cfg.Network)
}

func TestNewRuntime(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"
	rt, err := NewRuntime(cfg, &buf)
	require.NoError(t, err)

	rt.Logger.Info("hidden")
	rt.Logger.Warn("shown", "rank", 3)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"rank":3`)
}
