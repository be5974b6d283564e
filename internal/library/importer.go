package library

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tandem-sync/tandem/internal/tags"
)

// Importer brings audio files from a music directory into the library:
// one initial scan on start, then an fsnotify watch for files added
// while running.
type Importer struct {
	store    *Store
	dir      string
	onImport func(Song)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewImporter creates an importer for dir. onImport, if non-nil, fires
// after each successful import (used to push library shares to peers).
func NewImporter(store *Store, dir string, onImport func(Song)) *Importer {
	return &Importer{
		store:    store,
		dir:      dir,
		onImport: onImport,
		done:     make(chan struct{}),
	}
}

// Start scans the directory once and then watches it for new files.
func (im *Importer) Start() error {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return fmt.Errorf("scan music dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !tags.IsAudioFile(e.Name()) {
			continue
		}
		if _, err := im.ImportFile(filepath.Join(im.dir, e.Name())); err != nil {
			log.Printf("IMPORT: %s: %v", e.Name(), err)
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch music dir: %w", err)
	}
	if err := w.Add(im.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch music dir: %w", err)
	}
	im.watcher = w

	go im.watchLoop()
	return nil
}

// Close stops the watcher. Idempotent.
func (im *Importer) Close() {
	select {
	case <-im.done:
		return
	default:
		close(im.done)
	}
	if im.watcher != nil {
		_ = im.watcher.Close()
	}
}

func (im *Importer) watchLoop() {
	for {
		select {
		case <-im.done:
			return
		case ev, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !tags.IsAudioFile(ev.Name) {
				continue
			}
			// Writers may still be flushing when Create fires.
			time.Sleep(200 * time.Millisecond)
			if _, err := im.ImportFile(ev.Name); err != nil {
				log.Printf("IMPORT: %s: %v", filepath.Base(ev.Name), err)
			}
		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("IMPORT: watcher error: %v", err)
		}
	}
}

// ImportFile reads one audio file, extracts its tags (falling back to
// the filename), and stores it as a local-origin song with its payload.
// Files whose key already exists as a local-origin entry are skipped.
func (im *Importer) ImportFile(path string) (Song, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Song{}, fmt.Errorf("read audio: %w", err)
	}

	sg := Song{
		ID:    uuid.NewString(),
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	meta, err := tags.Extract(data)
	if err != nil {
		log.Printf("IMPORT: no tags in %s: %v", filepath.Base(path), err)
	} else {
		if meta.Title != "" {
			sg.Title = meta.Title
		}
		sg.Artist = meta.Artist
		sg.Album = meta.Album
		sg.AlbumArt = meta.ArtworkDataURL()
	}

	existing, err := im.store.All()
	if err != nil {
		return Song{}, err
	}
	for _, e := range existing {
		if !e.IsRemote && e.Key() == sg.Key() {
			return e, nil // already imported
		}
	}

	if err := im.store.Put(sg); err != nil {
		return Song{}, fmt.Errorf("store song: %w", err)
	}
	if err := im.store.SetAudio(sg.ID, data); err != nil {
		return Song{}, fmt.Errorf("store audio: %w", err)
	}

	log.Printf("IMPORT: added %q — %q", sg.Title, sg.Artist)
	if im.onImport != nil {
		im.onImport(sg)
	}
	return sg, nil
}
