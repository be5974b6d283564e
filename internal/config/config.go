package config

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tandem-sync/tandem/internal/util"
)

type Config struct {
	Relay    Relay    `json:"relay"`
	Paths    Paths    `json:"paths"`
	Transfer Transfer `json:"transfer"`
	Player   Player   `json:"player"`
}

type Relay struct {
	// WebSocket URL of the relay hub, e.g. ws://localhost:8787/ws.
	URL string `json:"url"`

	// Listen address used when running the hub (-serve mode).
	ListenAddr string `json:"listen_addr"`
}

type Paths struct {
	// DataDir holds the library database. Relative paths resolve
	// against the config file's directory.
	DataDir string `json:"data_dir"`

	// MusicDir is watched for new audio files to import. Empty
	// disables the watcher.
	MusicDir string `json:"music_dir"`
}

type Transfer struct {
	// Size of each audio chunk sent over the direct channel, bytes.
	ChunkSize int `json:"chunk_size"`

	// Delay between chunk sends, milliseconds.
	ChunkDelayMs int `json:"chunk_delay_ms"`

	// How long to wait for the next chunk before re-requesting the
	// missing ones, milliseconds.
	GapTimeoutMs int `json:"gap_timeout_ms"`

	// Delay between requestSongFile calls in a bulk download,
	// milliseconds.
	BulkDelayMs int `json:"bulk_delay_ms"`

	// STUN servers for ICE negotiation.
	STUNServers []string `json:"stun_servers"`
}

type Player struct {
	// Restore the queue and current index on startup.
	RememberQueue bool `json:"remember_queue"`

	// Position difference below which an incoming snapshot does not
	// seek local playback, seconds.
	SeekToleranceSec float64 `json:"seek_tolerance_sec"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:        "ws://127.0.0.1:8787/ws",
			ListenAddr: "127.0.0.1:8787",
		},
		Paths: Paths{
			DataDir:  "data",
			MusicDir: "",
		},
		Transfer: Transfer{
			ChunkSize:    16 * 1024,
			ChunkDelayMs: 10,
			GapTimeoutMs: 5000,
			BulkDelayMs:  500,
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
		},
		Player: Player{
			RememberQueue:    true,
			SeekToleranceSec: 2,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return errors.New("relay.url must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if c.Transfer.ChunkSize <= 0 {
		return errors.New("transfer.chunk_size must be > 0")
	}
	if c.Transfer.GapTimeoutMs <= 0 {
		return errors.New("transfer.gap_timeout_ms must be > 0")
	}
	if c.Transfer.ChunkDelayMs < 0 || c.Transfer.BulkDelayMs < 0 {
		return errors.New("transfer delays must be >= 0")
	}
	if c.Player.SeekToleranceSec < 0 {
		return errors.New("player.seek_tolerance_sec must be >= 0")
	}
	return nil
}

// Load reads the config at path, creating it with defaults when it does
// not exist yet. Relative paths in the result are resolved against the
// config file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := util.WriteJSONFile(path, cfg); err != nil {
			return cfg, err
		}
	} else if err := util.ReadJSONFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	base := filepath.Dir(path)
	cfg.Paths.DataDir = util.ResolvePath(base, cfg.Paths.DataDir)
	if cfg.Paths.MusicDir != "" {
		cfg.Paths.MusicDir = util.ResolvePath(base, cfg.Paths.MusicDir)
	}
	return cfg, nil
}

// ChunkDelay returns the pacing delay between chunk sends.
func (t Transfer) ChunkDelay() time.Duration { return time.Duration(t.ChunkDelayMs) * time.Millisecond }

// GapTimeout returns the chunk-gap detection timeout.
func (t Transfer) GapTimeout() time.Duration { return time.Duration(t.GapTimeoutMs) * time.Millisecond }

// BulkDelay returns the spacing between bulk download requests.
func (t Transfer) BulkDelay() time.Duration { return time.Duration(t.BulkDelayMs) * time.Millisecond }
