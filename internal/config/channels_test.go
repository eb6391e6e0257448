package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rosterYAML = `
channels:
  - id: -1002380293749
    name: Pumpfun Ultimate Alert
    active: true
    keywords: ["🎉", "💹", "↗️", "x", "VIP"]
    priority: high
    rate_limit: 10
    retry_count: 5
    timeout_s: 60
  - id: -1001234567890
    name: Degen Lounge
    active: false
    priority: low
`

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadChannelsFromFile(t *testing.T) {
	cfg, err := LoadChannels(writeRoster(t, rosterYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Channels, 2)

	ch := cfg.Channels[0]
	assert.Equal(t, int64(-1002380293749), ch.ID)
	assert.Equal(t, "Pumpfun Ultimate Alert", ch.Name)
	assert.True(t, ch.Active)
	assert.Contains(t, ch.Keywords, "🎉")
	assert.Equal(t, "high", ch.Priority)
	assert.Equal(t, 10, ch.RateLimit)
	assert.Equal(t, 5, ch.RetryCount)
	assert.Equal(t, 60, ch.TimeoutS)
}

func TestLoadChannelsMissingFileUsesDefault(t *testing.T) {
	cfg, err := LoadChannels(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Channels, 1)
	assert.Equal(t, int64(-1002380293749), cfg.Channels[0].ID)
	assert.True(t, cfg.Channels[0].Active)
}

func TestLoadChannelsRejectsBadRosters(t *testing.T) {
	tests := []struct {
		name   string
		roster string
	}{
		{"not yaml", "{{{"},
		{"empty roster", "channels: []"},
		{"missing name", "channels:\n  - id: -1\n    active: true"},
		{"bad priority", "channels:\n  - id: -1\n    name: X\n    priority: urgent"},
		{"negative rate limit", "channels:\n  - id: -1\n    name: X\n    rate_limit: -5"},
		{"duplicate ids", "channels:\n  - id: -1\n    name: A\n  - id: -1\n    name: B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadChannels(writeRoster(t, tt.roster))
			assert.Error(t, err)
		})
	}
}

func TestActiveChannelsSortedByPriority(t *testing.T) {
	cfg := &ChannelsConfig{Channels: []Channel{
		{ID: -1, Name: "low", Active: true, Priority: "low"},
		{ID: -2, Name: "unset", Active: true},
		{ID: -3, Name: "high", Active: true, Priority: "high"},
		{ID: -4, Name: "off", Active: false, Priority: "high"},
	}}

	active := cfg.ActiveChannels()
	require.Len(t, active, 3)
	assert.Equal(t, "high", active[0].Name)
	assert.Equal(t, "unset", active[1].Name, "missing priority ranks as medium")
	assert.Equal(t, "low", active[2].Name)
}

func TestByID(t *testing.T) {
	cfg := DefaultRoster()
	byID := cfg.ByID()

	ch, ok := byID[-1002380293749]
	require.True(t, ok)
	assert.Equal(t, "Pumpfun Ultimate Alert", ch.Name)
}
