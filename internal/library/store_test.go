package library

import (
	"bytes"
	"testing"
)

func TestStore(t *testing.T) {
	s := testStore(t)

	t.Run("put and get", func(t *testing.T) {
		sg := Song{ID: "s1", Title: "One", Artist: "X", Album: "Al", Duration: 123.4}
		if err := s.Put(sg); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, ok, err := s.Get("s1")
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if got != sg {
			t.Fatalf("got %+v, want %+v", got, sg)
		}
		if _, ok, _ := s.Get("nope"); ok {
			t.Fatalf("Get returned a song for an unknown id")
		}
	})

	t.Run("audio round trip", func(t *testing.T) {
		if err := s.SetAudio("s1", []byte("mp3bytes")); err != nil {
			t.Fatalf("SetAudio: %v", err)
		}
		audio, err := s.Audio("s1")
		if err != nil {
			t.Fatalf("Audio: %v", err)
		}
		if !bytes.Equal(audio, []byte("mp3bytes")) {
			t.Fatalf("audio = %q", audio)
		}
		if err := s.SetAudio("nope", nil); err == nil {
			t.Fatalf("SetAudio on unknown id succeeded")
		}
	})

	t.Run("promote clears remote mark", func(t *testing.T) {
		if err := s.Put(Song{ID: "rm1", Title: "Theirs", Artist: "Y", IsRemote: true}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Promote("rm1", []byte("audio"), "data:image/png;base64,xx"); err != nil {
			t.Fatalf("Promote: %v", err)
		}
		got, _, err := s.Get("rm1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.IsRemote {
			t.Fatalf("song still marked remote after promote")
		}
		if got.AlbumArt == "" {
			t.Fatalf("artwork not stored")
		}
		audio, _ := s.Audio("rm1")
		if string(audio) != "audio" {
			t.Fatalf("audio = %q", audio)
		}
	})

	t.Run("playlists", func(t *testing.T) {
		p := Playlist{ID: "p1", Name: "Mix", SongIDs: []string{"s1", "rm1"}}
		if err := s.PutPlaylist(p); err != nil {
			t.Fatalf("PutPlaylist: %v", err)
		}
		all, err := s.Playlists()
		if err != nil {
			t.Fatalf("Playlists: %v", err)
		}
		if len(all) != 1 || all[0].Name != "Mix" || len(all[0].SongIDs) != 2 {
			t.Fatalf("playlists = %+v", all)
		}
		if err := s.DeletePlaylist("p1"); err != nil {
			t.Fatalf("DeletePlaylist: %v", err)
		}
		if all, _ := s.Playlists(); len(all) != 0 {
			t.Fatalf("playlist not deleted")
		}
	})

	t.Run("meta", func(t *testing.T) {
		if v, err := s.MetaGet("missing"); err != nil || v != "" {
			t.Fatalf("MetaGet missing = %q, %v", v, err)
		}
		if err := s.MetaSet("k", "v1"); err != nil {
			t.Fatalf("MetaSet: %v", err)
		}
		if err := s.MetaSet("k", "v2"); err != nil {
			t.Fatalf("MetaSet overwrite: %v", err)
		}
		if v, _ := s.MetaGet("k"); v != "v2" {
			t.Fatalf("MetaGet = %q, want v2", v)
		}
	})
}
