package library

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImportFile(t *testing.T) {
	s := testStore(t)
	dir := t.TempDir()

	var imported []Song
	im := NewImporter(s, dir, func(sg Song) { imported = append(imported, sg) })

	path := filepath.Join(dir, "Midnight Drive.mp3")
	if err := os.WriteFile(path, []byte("not real audio"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sg, err := im.ImportFile(path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	// Untaggable files fall back to the filename.
	if sg.Title != "Midnight Drive" {
		t.Fatalf("title = %q", sg.Title)
	}
	if sg.IsRemote {
		t.Fatalf("imported song marked remote")
	}
	audio, err := s.Audio(sg.ID)
	if err != nil || string(audio) != "not real audio" {
		t.Fatalf("audio = %q, %v", audio, err)
	}
	if len(imported) != 1 {
		t.Fatalf("onImport fired %d times", len(imported))
	}

	// A second import of the same song is a no-op returning the
	// existing entry.
	again, err := im.ImportFile(path)
	if err != nil {
		t.Fatalf("ImportFile again: %v", err)
	}
	if again.ID != sg.ID {
		t.Fatalf("duplicate import created a new entry")
	}
	if len(imported) != 1 {
		t.Fatalf("onImport fired for a duplicate")
	}
	songs, _ := s.All()
	if len(songs) != 1 {
		t.Fatalf("library has %d songs, want 1", len(songs))
	}
}
