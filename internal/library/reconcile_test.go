package library

import (
	"testing"

	"github.com/tandem-sync/tandem/internal/proto"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSongKey(t *testing.T) {
	a := Song{ID: "1", Title: "Bohemian  Rhapsody", Artist: "QUEEN"}
	b := Song{ID: "2", Title: "bohemian rhapsody", Artist: " queen "}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if got, want := a.Key(), "bohemian rhapsody|queen"; got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestCompare(t *testing.T) {
	song := func(id, title, artist string) Song {
		return Song{ID: id, Title: title, Artist: artist}
	}

	t.Run("identical libraries", func(t *testing.T) {
		local := []Song{song("a1", "One", "X"), song("a2", "Two", "Y")}
		remote := []Song{song("b1", "One", "X"), song("b2", "Two", "Y")}
		c := Compare(local, remote)
		if len(c.Common) != 2 || len(c.LocalOnly) != 0 || len(c.RemoteOnly) != 0 {
			t.Fatalf("common=%d localOnly=%d remoteOnly=%d", len(c.Common), len(c.LocalOnly), len(c.RemoteOnly))
		}
		if c.LocalPercentage != 100 || c.RemotePercentage != 100 {
			t.Fatalf("percentages = %d/%d, want 100/100", c.LocalPercentage, c.RemotePercentage)
		}
	})

	t.Run("disjoint libraries", func(t *testing.T) {
		local := []Song{song("a1", "One", "X")}
		remote := []Song{song("b1", "Two", "Y")}
		c := Compare(local, remote)
		if len(c.Common) != 0 {
			t.Fatalf("common = %d, want 0", len(c.Common))
		}
		if c.LocalPercentage != 0 || c.RemotePercentage != 0 {
			t.Fatalf("percentages = %d/%d, want 0/0", c.LocalPercentage, c.RemotePercentage)
		}
	})

	t.Run("asymmetric overlap", func(t *testing.T) {
		local := []Song{song("a1", "One", "X"), song("a2", "Two", "Y"), song("a3", "Three", "Z")}
		remote := []Song{song("b1", "One", "X"), song("b2", "Four", "W")}
		c := Compare(local, remote)
		if len(c.Common) != 1 || len(c.LocalOnly) != 2 || len(c.RemoteOnly) != 1 {
			t.Fatalf("common=%d localOnly=%d remoteOnly=%d", len(c.Common), len(c.LocalOnly), len(c.RemoteOnly))
		}
		// 1 of 3 rounds to 33, 1 of 2 to 50.
		if c.LocalPercentage != 33 || c.RemotePercentage != 50 {
			t.Fatalf("percentages = %d/%d, want 33/50", c.LocalPercentage, c.RemotePercentage)
		}
	})

	t.Run("ids never match", func(t *testing.T) {
		local := []Song{song("same-id", "One", "X")}
		remote := []Song{song("same-id", "Two", "Y")}
		if c := Compare(local, remote); len(c.Common) != 0 {
			t.Fatalf("matched by id, want key-only matching")
		}
	})

	t.Run("empty sides", func(t *testing.T) {
		c := Compare(nil, nil)
		if c.LocalPercentage != 0 || c.RemotePercentage != 0 {
			t.Fatalf("percentages = %d/%d, want 0/0", c.LocalPercentage, c.RemotePercentage)
		}
	})
}

func TestApplyUpdateIdempotent(t *testing.T) {
	s := testStore(t)
	r := NewReconciler(s)

	incoming := []proto.SongMeta{
		{ID: "r1", Title: "One", Artist: "X"},
		{ID: "r2", Title: "Two", Artist: "Y"},
	}

	added, err := r.ApplyUpdate(incoming)
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}

	added, err = r.ApplyUpdate(incoming)
	if err != nil {
		t.Fatalf("ApplyUpdate again: %v", err)
	}
	if added != 0 {
		t.Fatalf("second apply added = %d, want 0", added)
	}

	songs, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(songs) != 2 {
		t.Fatalf("library has %d songs, want 2", len(songs))
	}
	for _, sg := range songs {
		if !sg.IsRemote {
			t.Fatalf("merged song %s not marked remote", sg.ID)
		}
	}
}

func TestApplyUpdateKeepsExistingEntries(t *testing.T) {
	s := testStore(t)
	r := NewReconciler(s)

	if err := s.Put(Song{ID: "local1", Title: "Mine", Artist: "Me"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := r.ApplyUpdate([]proto.SongMeta{{ID: "local1", Title: "Overwritten", Artist: "Them"}}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	sg, ok, err := s.Get("local1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if sg.Title != "Mine" || sg.IsRemote {
		t.Fatalf("existing entry modified: %+v", sg)
	}
}

func TestLocalShareExcludesRemote(t *testing.T) {
	s := testStore(t)
	r := NewReconciler(s)

	if err := s.Put(Song{ID: "l1", Title: "Local", Artist: "A"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(Song{ID: "r1", Title: "Remote", Artist: "B", IsRemote: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	share, err := r.LocalShare()
	if err != nil {
		t.Fatalf("LocalShare: %v", err)
	}
	if len(share) != 1 || share[0].ID != "l1" {
		t.Fatalf("share = %+v, want only l1", share)
	}
}

func TestCommonWithRemote(t *testing.T) {
	s := testStore(t)
	r := NewReconciler(s)

	for _, sg := range []Song{
		{ID: "l1", Title: "Shared", Artist: "A"},
		{ID: "l2", Title: "Only Mine", Artist: "B"},
	} {
		if err := s.Put(sg); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if _, err := r.ApplyUpdate([]proto.SongMeta{
		{ID: "p1", Title: "Shared", Artist: "A"},
		{ID: "p2", Title: "Only Theirs", Artist: "C"},
	}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	common, err := r.CommonWithRemote()
	if err != nil {
		t.Fatalf("CommonWithRemote: %v", err)
	}
	if len(common) != 1 || common[0].ID != "l1" {
		t.Fatalf("common = %+v, want only l1", common)
	}
}
