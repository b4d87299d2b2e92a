package torrent

import (
	"github.com/prxssh/rabbit/internal/delegator"
	"github.com/prxssh/rabbit/internal/peer"
)

// Config is the per-download configuration layer; process-wide
// concerns (timeouts, client ID, rate limits) live in
// internal/config's singleton instead.
type Config struct {
	Peer *peer.Config

	// Strategy picks how the delegator chooses a new piece once
	// affinity and in-progress scans fail (spec §4.D).
	Strategy delegator.Strategy

	// MaxMemoryUsage overrides memregion's byte ceiling; <= 0 derives
	// it from RLIMIT_AS (spec §6).
	MaxMemoryUsage int64

	// DownloadDir is where this torrent's files are written; falls
	// back to config.Load().DefaultDownloadDir when empty.
	DownloadDir string

	// AggressiveAfter is the completion fraction (0..1) past which the
	// delegator enters endgame mode (spec §4.D step 7 / §8 property 5).
	AggressiveAfter float64
}

func WithDefaultConfig() *Config {
	return &Config{
		Peer:            peer.WithDefaultConfig(),
		Strategy:        delegator.StrategyRarestFirst,
		MaxMemoryUsage:  0,
		AggressiveAfter: 0.95,
	}
}
