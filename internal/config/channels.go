package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Channel describes one monitored channel. IDs are the signed network
// identifiers; channels and groups are negative.
type Channel struct {
	ID         int64    `yaml:"id"`
	Name       string   `yaml:"name"`
	Active     bool     `yaml:"active"`
	Keywords   []string `yaml:"keywords"`
	Priority   string   `yaml:"priority"`    // high, medium, low
	RateLimit  int      `yaml:"rate_limit"`  // messages per minute, 0 = unlimited
	RetryCount int      `yaml:"retry_count"` // attempts for failed operations
	TimeoutS   int      `yaml:"timeout_s"`   // per-operation timeout in seconds
}

// ChannelsConfig is the channel roster document.
type ChannelsConfig struct {
	Channels []Channel `yaml:"channels"`
}

// DefaultRoster is the built-in roster used when no roster file exists.
func DefaultRoster() *ChannelsConfig {
	return &ChannelsConfig{
		Channels: []Channel{
			{
				ID:         -1002380293749,
				Name:       "Pumpfun Ultimate Alert",
				Active:     true,
				Keywords:   []string{"🎉", "💹", "↗️", "x", "VIP"},
				Priority:   "high",
				RateLimit:  10,
				RetryCount: 5,
				TimeoutS:   60,
			},
		},
	}
}

// LoadChannels reads the roster from path. A missing file falls back to
// the built-in default roster; any other failure is an error.
func LoadChannels(path string) (*ChannelsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRoster(), nil
		}
		return nil, fmt.Errorf("failed to read channels config: %w", err)
	}

	var config ChannelsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse channels config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channels config: %w", err)
	}

	return &config, nil
}

// Validate ensures the roster is usable and free of duplicates.
func (c *ChannelsConfig) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}

	seen := make(map[int64]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, err)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
	}

	return nil
}

// Validate checks a single channel entry.
func (ch *Channel) Validate() error {
	if ch.ID == 0 {
		return fmt.Errorf("id is required")
	}
	if ch.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch ch.Priority {
	case "", "high", "medium", "low":
	default:
		return fmt.Errorf("priority must be high, medium, or low, got %q", ch.Priority)
	}
	if ch.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be non-negative, got %d", ch.RateLimit)
	}
	if ch.RetryCount < 0 {
		return fmt.Errorf("retry_count must be non-negative, got %d", ch.RetryCount)
	}
	if ch.TimeoutS < 0 {
		return fmt.Errorf("timeout_s must be non-negative, got %d", ch.TimeoutS)
	}
	return nil
}

var priorityOrder = map[string]int{"high": 0, "medium": 1, "low": 2}

// ActiveChannels returns the active entries sorted high to low priority.
func (c *ChannelsConfig) ActiveChannels() []Channel {
	var active []Channel
	for _, ch := range c.Channels {
		if ch.Active {
			active = append(active, ch)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return priorityRank(active[i].Priority) < priorityRank(active[j].Priority)
	})
	return active
}

func priorityRank(p string) int {
	if rank, ok := priorityOrder[p]; ok {
		return rank
	}
	return priorityOrder["medium"]
}

// ByID maps channel ids to their configuration.
func (c *ChannelsConfig) ByID() map[int64]Channel {
	m := make(map[int64]Channel, len(c.Channels))
	for _, ch := range c.Channels {
		m[ch.ID] = ch
	}
	return m
}
