package player

import (
	"sync"
	"testing"
	"time"

	"github.com/tandem-sync/tandem/internal/config"
	"github.com/tandem-sync/tandem/internal/library"
	"github.com/tandem-sync/tandem/internal/proto"
)

type nullOutput struct{}

func (nullOutput) Play(library.Song, float64) {}
func (nullOutput) Pause()                     {}
func (nullOutput) Seek(float64)               {}
func (nullOutput) Stop()                      {}

type changeCounter struct {
	mu    sync.Mutex
	snaps []proto.FullSyncPayload
}

func (c *changeCounter) record(s proto.FullSyncPayload) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
}

func (c *changeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func testPlayer(t *testing.T) (*Player, *library.Store) {
	t.Helper()
	store, err := library.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, sg := range []library.Song{
		{ID: "a", Title: "One", Artist: "X"},
		{ID: "b", Title: "Two", Artist: "Y"},
		{ID: "c", Title: "Three", Artist: "Z"},
	} {
		if err := store.Put(sg); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	cfg := config.Default().Player
	return New(store, cfg, nullOutput{}), store
}

func TestSnapshotQueueNeverNil(t *testing.T) {
	p, _ := testPlayer(t)
	snap := p.Snapshot()
	if snap.QueueIDs == nil {
		t.Fatalf("empty queue snapshot has nil queueIds")
	}
	if snap.IsStateRequest() {
		t.Fatalf("snapshot reads as a state request")
	}
}

func TestEnqueueDedup(t *testing.T) {
	p, _ := testPlayer(t)
	if added := p.Enqueue("a", "b"); added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if added := p.Enqueue("b", "c", "c"); added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	queue, index := p.Queue()
	if len(queue) != 3 || index != 0 {
		t.Fatalf("queue = %v, index = %d", queue, index)
	}
}

func TestApplySnapshot(t *testing.T) {
	t.Run("unknown ids dropped", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.ApplySnapshot(proto.FullSyncPayload{
			QueueIDs:         []string{"a", "ghost", "b"},
			CurrentSongIndex: 2,
		})
		queue, index := p.Queue()
		if len(queue) != 2 || queue[0] != "a" || queue[1] != "b" {
			t.Fatalf("queue = %v", queue)
		}
		// Index clamps to the resolved queue.
		if index != 1 {
			t.Fatalf("index = %d, want 1", index)
		}
	})

	t.Run("negative index stays deselected", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.ApplySnapshot(proto.FullSyncPayload{
			QueueIDs:         []string{"a", "b"},
			CurrentSongIndex: -1,
		})
		_, index := p.Queue()
		if index != -1 {
			t.Fatalf("index = %d, want -1 (no song selected)", index)
		}
		if _, ok := p.Current(); ok {
			t.Fatalf("a deselected snapshot selected a song")
		}
	})

	t.Run("position within tolerance stays put", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.Enqueue("a")
		p.UpdatePosition(10)
		p.ApplySnapshot(proto.FullSyncPayload{QueueIDs: []string{"a"}, CurrentTime: 11})
		if snap := p.Snapshot(); snap.CurrentTime != 10 {
			t.Fatalf("position = %.1f, want 10 (within tolerance)", snap.CurrentTime)
		}
	})

	t.Run("position beyond tolerance seeks", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.Enqueue("a")
		p.UpdatePosition(10)
		p.ApplySnapshot(proto.FullSyncPayload{QueueIDs: []string{"a"}, CurrentTime: 30})
		if snap := p.Snapshot(); snap.CurrentTime != 30 {
			t.Fatalf("position = %.1f, want 30", snap.CurrentTime)
		}
	})

	t.Run("no echo", func(t *testing.T) {
		p, _ := testPlayer(t)
		c := &changeCounter{}
		p.OnChange(c.record)
		p.ApplySnapshot(proto.FullSyncPayload{
			QueueIDs:  []string{"a", "b"},
			IsPlaying: true,
			Shuffle:   true,
		})
		if c.count() != 0 {
			t.Fatalf("remote snapshot fired %d local broadcasts", c.count())
		}
		snap := p.Snapshot()
		if !snap.IsPlaying || !snap.Shuffle {
			t.Fatalf("state not applied: %+v", snap)
		}
	})
}

func TestSeekThrottle(t *testing.T) {
	p, _ := testPlayer(t)
	p.Enqueue("a")

	c := &changeCounter{}
	p.OnChange(c.record)

	p.Seek(5)
	p.Seek(6)
	p.Seek(7)
	if c.count() != 1 {
		t.Fatalf("rapid seeks broadcast %d times, want 1", c.count())
	}
	// The local position always follows, broadcast or not.
	if snap := p.Snapshot(); snap.CurrentTime != 7 {
		t.Fatalf("position = %.1f, want 7", snap.CurrentTime)
	}

	time.Sleep(seekBroadcastInterval + 20*time.Millisecond)
	p.Seek(8)
	if c.count() != 2 {
		t.Fatalf("seek after interval broadcast %d times, want 2", c.count())
	}
}

func TestNextAtQueueEnd(t *testing.T) {
	t.Run("stops without loop", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.SetQueue([]string{"a", "b"}, 1)
		p.Play()
		p.Next()
		snap := p.Snapshot()
		if snap.IsPlaying {
			t.Fatalf("still playing past the end")
		}
		if snap.CurrentSongIndex != 1 {
			t.Fatalf("index = %d, want 1", snap.CurrentSongIndex)
		}
	})

	t.Run("wraps with loop", func(t *testing.T) {
		p, _ := testPlayer(t)
		p.SetQueue([]string{"a", "b"}, 1)
		p.SetLoop(true)
		p.Play()
		p.Next()
		snap := p.Snapshot()
		if !snap.IsPlaying || snap.CurrentSongIndex != 0 {
			t.Fatalf("playing=%v index=%d, want wrap to 0", snap.IsPlaying, snap.CurrentSongIndex)
		}
	})
}

func TestQueuePersistence(t *testing.T) {
	p, store := testPlayer(t)
	p.SetQueue([]string{"a", "b", "c"}, 1)

	// A fresh player over the same store picks the queue back up.
	p2 := New(store, config.Default().Player, nullOutput{})
	p2.RestoreQueue()
	queue, index := p2.Queue()
	if len(queue) != 3 || index != 1 {
		t.Fatalf("restored queue = %v index = %d", queue, index)
	}

	if err := store.Delete("b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	p3 := New(store, config.Default().Player, nullOutput{})
	p3.RestoreQueue()
	queue, _ = p3.Queue()
	if len(queue) != 2 {
		t.Fatalf("restored queue still holds deleted song: %v", queue)
	}
}
