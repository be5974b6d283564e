package library

import (
	"log"
	"math"
	"sync"

	"github.com/tandem-sync/tandem/internal/proto"
)

// Reconciler keeps the library's remote-origin entries consistent with
// whatever the connected peer last declared, without duplicating songs
// the local user already owns.
type Reconciler struct {
	store *Store

	mu     sync.Mutex
	remote []Song // last remote snapshot, replaced wholesale per update
}

func NewReconciler(store *Store) *Reconciler {
	return &Reconciler{store: store}
}

// LocalShare returns the wire form of every local-origin song, audio
// stripped. This is the shareLibrary payload.
func (r *Reconciler) LocalShare() ([]proto.SongMeta, error) {
	songs, err := r.store.All()
	if err != nil {
		return nil, err
	}
	var out []proto.SongMeta
	for _, sg := range songs {
		if sg.IsRemote {
			continue
		}
		out = append(out, sg.Meta())
	}
	return out, nil
}

// ApplyUpdate merges an incoming libraryUpdate. Entries whose id is
// already known locally are left untouched; only genuinely new ones are
// stored, marked remote. The full incoming list replaces the previous
// remote snapshot. Applying the same payload twice adds nothing.
func (r *Reconciler) ApplyUpdate(incoming []proto.SongMeta) (added int, err error) {
	existing, err := r.store.All()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, sg := range existing {
		known[sg.ID] = true
	}

	snapshot := make([]Song, 0, len(incoming))
	for _, m := range incoming {
		sg := FromMeta(m)
		sg.IsRemote = true
		snapshot = append(snapshot, sg)

		if known[sg.ID] {
			continue
		}
		if err := r.store.Put(sg); err != nil {
			log.Printf("LIBRARY: merge %q failed: %v", sg.Title, err)
			continue
		}
		added++
	}

	r.mu.Lock()
	r.remote = snapshot
	r.mu.Unlock()

	if added > 0 {
		log.Printf("LIBRARY: merged %d new songs from peer", added)
	}
	return added, nil
}

// RemoteSnapshot returns the last remote library received, nil before
// the first libraryUpdate.
func (r *Reconciler) RemoteSnapshot() []Song {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Song, len(r.remote))
	copy(out, r.remote)
	return out
}

// CommonWithRemote returns the local-origin songs whose key appears in
// the last remote snapshot, preserving local library order. This is
// the input to sync-common: every returned song not already queued
// gets appended.
func (r *Reconciler) CommonWithRemote() ([]Song, error) {
	remote := r.RemoteSnapshot()
	if len(remote) == 0 {
		return nil, nil
	}
	remoteKeys := make(map[string]bool, len(remote))
	for _, sg := range remote {
		remoteKeys[sg.Key()] = true
	}

	local, err := r.store.All()
	if err != nil {
		return nil, err
	}
	var out []Song
	for _, sg := range local {
		if !sg.IsRemote && remoteKeys[sg.Key()] {
			out = append(out, sg)
		}
	}
	return out, nil
}

// Comparison is the result of matching two libraries by song key.
type Comparison struct {
	Common           []Song
	LocalOnly        []Song
	RemoteOnly       []Song
	LocalPercentage  int
	RemotePercentage int
}

// Compare matches local against remote by song key, never by id — ids
// are peer-local and never equal across clients. Pure function, safe
// to call repeatedly for display.
func Compare(local, remote []Song) Comparison {
	localKeys := make(map[string]bool, len(local))
	for _, sg := range local {
		localKeys[sg.Key()] = true
	}
	remoteKeys := make(map[string]bool, len(remote))
	for _, sg := range remote {
		remoteKeys[sg.Key()] = true
	}

	var c Comparison
	for _, sg := range local {
		if remoteKeys[sg.Key()] {
			c.Common = append(c.Common, sg)
		} else {
			c.LocalOnly = append(c.LocalOnly, sg)
		}
	}
	for _, sg := range remote {
		if !localKeys[sg.Key()] {
			c.RemoteOnly = append(c.RemoteOnly, sg)
		}
	}

	c.LocalPercentage = percentage(len(c.Common), len(local))
	c.RemotePercentage = percentage(len(c.Common), len(remote))
	return c
}

func percentage(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(whole) * 100))
}
