// Package tags reads song metadata and embedded artwork from raw audio
// payloads. Extraction is fallible per file; callers fall back to
// filenames or previously known values.
package tags

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
)

// Meta holds the fields extracted from an audio payload.
type Meta struct {
	Title       string
	Artist      string
	Album       string
	Artwork     []byte
	ArtworkMIME string
}

var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".wav":  true,
}

// IsAudioFile reports whether the filename has a supported audio extension.
func IsAudioFile(name string) bool {
	return audioExtensions[strings.ToLower(filepath.Ext(name))]
}

// Extract parses metadata from an audio payload.
func Extract(data []byte) (Meta, error) {
	md, err := tag.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return Meta{}, fmt.Errorf("read tags: %w", err)
	}

	m := Meta{
		Title:  strings.TrimSpace(md.Title()),
		Artist: strings.TrimSpace(md.Artist()),
		Album:  strings.TrimSpace(md.Album()),
	}
	if pic := md.Picture(); pic != nil && len(pic.Data) > 0 {
		m.Artwork = pic.Data
		m.ArtworkMIME = pic.MIMEType
	}
	return m, nil
}

// ArtworkDataURL encodes embedded artwork as a data URL for metadata
// exchange. Returns "" when there is no artwork.
func (m Meta) ArtworkDataURL() string {
	if len(m.Artwork) == 0 {
		return ""
	}
	mime := m.ArtworkMIME
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(m.Artwork)
}
