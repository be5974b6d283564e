// Package library owns the local song library: the sqlite-backed store,
// the import pipeline, and reconciliation against a connected peer's
// declared library.
package library

import (
	"strings"

	"github.com/tandem-sync/tandem/internal/proto"
)

// Song is one library entry. The audio payload lives in the store, not
// on this struct; IsRemote marks entries whose metadata arrived from a
// peer and whose audio has not been transferred yet.
type Song struct {
	ID       string
	Title    string
	Artist   string
	Album    string
	Duration float64
	AlbumArt string
	IsRemote bool
}

// Key returns the content-addressing key correlating the same logical
// song across clients: normalized title + artist. Ids never match
// across peers; keys do.
func (s Song) Key() string {
	return SongKey(s.Title, s.Artist)
}

// SongKey builds the key from raw title and artist strings: lowercased,
// trimmed, inner whitespace collapsed.
func SongKey(title, artist string) string {
	return normalize(title) + "|" + normalize(artist)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Meta converts a Song to its wire form.
func (s Song) Meta() proto.SongMeta {
	return proto.SongMeta{
		ID:       s.ID,
		Title:    s.Title,
		Artist:   s.Artist,
		Album:    s.Album,
		Duration: s.Duration,
		AlbumArt: s.AlbumArt,
		IsRemote: s.IsRemote,
	}
}

// FromMeta converts a wire entry to a Song.
func FromMeta(m proto.SongMeta) Song {
	return Song{
		ID:       m.ID,
		Title:    m.Title,
		Artist:   m.Artist,
		Album:    m.Album,
		Duration: m.Duration,
		AlbumArt: m.AlbumArt,
		IsRemote: m.IsRemote,
	}
}

// Playlist is a named, ordered list of song ids.
type Playlist struct {
	ID      string
	Name    string
	SongIDs []string
}
