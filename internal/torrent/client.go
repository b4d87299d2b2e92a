package torrent

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/prxssh/rabbit/internal/config"
)

// Client owns every active Torrent for this process, keyed by info
// hash. It replaces the teacher's Wails-bound client: there is no
// SelectDownloadDirectory dialog since the UI is a terminal renderer,
// not a webview app (spec.md §6 is a CLI).
type Client struct {
	log      *slog.Logger
	ctx      context.Context
	mu       sync.RWMutex
	clientID [sha1.Size]byte
	torrents map[[sha1.Size]byte]*Torrent
}

func NewClient() (*Client, error) {
	return &Client{
		log:      slog.Default(),
		ctx:      context.Background(),
		clientID: config.Load().ClientID,
		torrents: make(map[[sha1.Size]byte]*Torrent),
	}, nil
}

func (c *Client) Startup(ctx context.Context) {
	c.ctx = ctx
}

func (c *Client) AddTorrent(data []byte, cfg *Config) (*Torrent, error) {
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	torrent, err := NewTorrent(c.clientID, data, cfg)
	if err != nil {
		c.log.Error("failed to parse torrent", "error", err, "size", len(data))
		return nil, err
	}

	infoHashHex := hex.EncodeToString(torrent.Metainfo.InfoHash[:])

	c.log.Debug("adding torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
		"size", torrent.Metainfo.Size(),
		"pieces", len(torrent.Metainfo.Info.Pieces),
	)

	c.mu.Lock()
	c.torrents[torrent.Metainfo.InfoHash] = torrent
	c.mu.Unlock()

	go func() {
		if err := torrent.Run(c.ctx); err != nil {
			c.log.Error("torrent run exited", "info_hash", infoHashHex, "error", err)
		}
	}()
	return torrent, nil
}

func (c *Client) GetDefaultConfig() *Config {
	return WithDefaultConfig()
}

func (c *Client) RemoveTorrent(infoHashHex string) error {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		c.log.Error("invalid info hash", "hash", infoHashHex, "error", err)
		return err
	}
	copy(infoHash[:], bytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	torrent, ok := c.torrents[infoHash]
	if !ok {
		c.log.Warn("torrent not found", "info_hash", infoHashHex)
		return nil
	}

	c.log.Debug(
		"removing torrent",
		"name", torrent.Metainfo.Info.Name,
		"info_hash", infoHashHex,
	)

	torrent.Stop()
	delete(c.torrents, infoHash)
	return nil
}

func (c *Client) GetTorrentStats(infoHashHex string) *Stats {
	var infoHash [sha1.Size]byte

	bytes, err := hex.DecodeString(infoHashHex)
	if err != nil || len(bytes) != sha1.Size {
		return nil
	}
	copy(infoHash[:], bytes)

	c.mu.RLock()
	torrent, ok := c.torrents[infoHash]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	return torrent.GetStats()
}

// ListTorrents returns every active torrent's info hash, hex-encoded,
// for the terminal renderer to enumerate.
func (c *Client) ListTorrents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hashes := make([]string, 0, len(c.torrents))
	for h := range c.torrents {
		hashes = append(hashes, hex.EncodeToString(h[:]))
	}
	return hashes
}
