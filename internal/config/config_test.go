package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := (&Config{App: App{Name: "bbb-stream-player"}}).GetDefaults()

	assert.Equal(t, "to-bbb-stream-player", cfg.PubSub.Channels.Subscribe)
	assert.Equal(t, "from-bbb-stream-player", cfg.PubSub.Channels.Publish)
	assert.Equal(t, "headless", cfg.Player.DecoderBackend)
	assert.Equal(t, "opus", cfg.Player.AudioFormat)
	assert.Equal(t, 1024, cfg.Player.BlockSize)
	assert.Equal(t, 0.5, cfg.Player.Volume)
	assert.NotEmpty(t, cfg.Transport.PayloadTypes)
	assert.Equal(t, "BBB_STREAM_PLAYER_", EnvPrefix(cfg.App.Name))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "player.yml")
	require.NoError(t, os.WriteFile(file, []byte(`
player:
  audioFormat: aac
  blockSize: 512
  drainTimeout: 500ms
audio:
  profiles:
    aac:
      maxQueuedChunks: 8
`), 0600))

	cfg := (&Config{App: App{Name: "bbb-stream-player-test"}}).GetDefaults()
	require.NoError(t, cfg.Load(cfg.App.Name, file))

	assert.Equal(t, "aac", cfg.Player.AudioFormat)
	assert.Equal(t, 512, cfg.Player.BlockSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Player.DrainTimeout)
	assert.Equal(t, 8, cfg.AudioProfile("AAC").MaxQueuedChunks)
	assert.Equal(t, 0, cfg.AudioProfile("opus").MaxQueuedChunks)

	// untouched sections keep their defaults
	assert.Equal(t, "headless", cfg.Player.DecoderBackend)
}
