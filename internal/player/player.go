// Package player holds the local playback state and keeps it in step
// with the peer. All queue entries are song ids; ids resolve across
// peers because merged remote library entries keep the sender's ids.
package player

import (
	"encoding/json"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/tandem-sync/tandem/internal/config"
	"github.com/tandem-sync/tandem/internal/library"
	"github.com/tandem-sync/tandem/internal/proto"
)

const queueStateKey = "queue_state"

// seekBroadcastInterval throttles how often local seeking pushes a
// snapshot to the peer. Scrubbing fires many position changes; only
// the occasional one needs to go out.
const seekBroadcastInterval = 250 * time.Millisecond

// Output is the local playback surface. A frontend would drive an
// audio element; the headless build logs.
type Output interface {
	Play(sg library.Song, position float64)
	Pause()
	Seek(position float64)
	Stop()
}

// LogOutput is the headless Output.
type LogOutput struct{}

func (LogOutput) Play(sg library.Song, position float64) {
	log.Printf("PLAYER: playing %q — %q at %.1fs", sg.Title, sg.Artist, position)
}
func (LogOutput) Pause()                { log.Printf("PLAYER: paused") }
func (LogOutput) Seek(position float64) { log.Printf("PLAYER: seek to %.1fs", position) }
func (LogOutput) Stop()                 { log.Printf("PLAYER: stopped") }

// Player is the playback state machine. Local mutations push a
// snapshot through onChange; snapshots applied from the peer do not,
// so two clients never echo each other's updates back.
type Player struct {
	store  *library.Store
	cfg    config.Player
	output Output

	mu       sync.Mutex
	queue    []string
	index    int
	playing  bool
	position float64
	shuffle  bool
	loop     bool

	applyingRemote bool
	lastSeekSent   time.Time

	onChange func(proto.FullSyncPayload)
}

func New(store *library.Store, cfg config.Player, output Output) *Player {
	if output == nil {
		output = LogOutput{}
	}
	return &Player{store: store, cfg: cfg, output: output, index: -1}
}

// OnChange registers the snapshot handler fired after local mutations.
func (p *Player) OnChange(fn func(proto.FullSyncPayload)) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Snapshot returns the current state in wire form. QueueIDs is never
// nil: an empty queue marshals as [], which keeps the snapshot
// distinguishable from a state pull request.
func (p *Player) Snapshot() proto.FullSyncPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Player) snapshotLocked() proto.FullSyncPayload {
	queue := make([]string, len(p.queue))
	copy(queue, p.queue)
	return proto.FullSyncPayload{
		QueueIDs:         queue,
		CurrentSongIndex: p.index,
		IsPlaying:        p.playing,
		CurrentTime:      p.position,
		Shuffle:          p.shuffle,
		Loop:             p.loop,
	}
}

// Queue returns a copy of the queue and the current index.
func (p *Player) Queue() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue := make([]string, len(p.queue))
	copy(queue, p.queue)
	return queue, p.index
}

// SetQueue replaces the queue and starts at index.
func (p *Player) SetQueue(ids []string, index int) {
	p.mu.Lock()
	p.queue = append([]string(nil), ids...)
	p.index = clampIndex(index, len(p.queue))
	p.position = 0
	p.mu.Unlock()

	p.startCurrent()
	p.changed()
}

// Enqueue appends ids not already queued. Returns how many were added.
func (p *Player) Enqueue(ids ...string) int {
	p.mu.Lock()
	queued := make(map[string]bool, len(p.queue))
	for _, id := range p.queue {
		queued[id] = true
	}
	added := 0
	for _, id := range ids {
		if !queued[id] {
			p.queue = append(p.queue, id)
			queued[id] = true
			added++
		}
	}
	if p.index < 0 && len(p.queue) > 0 {
		p.index = 0
	}
	p.mu.Unlock()

	if added > 0 {
		p.changed()
	}
	return added
}

// Play starts or resumes playback of the current song.
func (p *Player) Play() {
	p.mu.Lock()
	if p.index < 0 || p.index >= len(p.queue) {
		p.mu.Unlock()
		log.Printf("PLAYER: nothing to play")
		return
	}
	p.playing = true
	p.mu.Unlock()

	p.startCurrent()
	p.changed()
}

// Pause halts playback.
func (p *Player) Pause() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()

	p.output.Pause()
	p.changed()
}

// Next advances the queue: random under shuffle, wrapping under loop,
// stopping at the end otherwise.
func (p *Player) Next() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	switch {
	case p.shuffle && len(p.queue) > 1:
		next := p.index
		for next == p.index {
			next = rand.Intn(len(p.queue))
		}
		p.index = next
	case p.index+1 < len(p.queue):
		p.index++
	case p.loop:
		p.index = 0
	default:
		p.playing = false
		p.position = 0
		p.mu.Unlock()
		p.output.Stop()
		p.changed()
		return
	}
	p.position = 0
	p.mu.Unlock()

	p.startCurrent()
	p.changed()
}

// Previous steps back one song, staying on the first.
func (p *Player) Previous() {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	if p.index > 0 {
		p.index--
	}
	p.position = 0
	p.mu.Unlock()

	p.startCurrent()
	p.changed()
}

// Seek moves playback to position. The snapshot broadcast is
// throttled; the local position always updates.
func (p *Player) Seek(position float64) {
	p.mu.Lock()
	p.position = position
	throttled := time.Since(p.lastSeekSent) < seekBroadcastInterval
	if !throttled {
		p.lastSeekSent = time.Now()
	}
	p.mu.Unlock()

	p.output.Seek(position)
	if !throttled {
		p.changed()
	}
}

// UpdatePosition records playback progress without broadcasting.
func (p *Player) UpdatePosition(position float64) {
	p.mu.Lock()
	p.position = position
	p.mu.Unlock()
}

// SetShuffle toggles shuffle mode.
func (p *Player) SetShuffle(on bool) {
	p.mu.Lock()
	p.shuffle = on
	p.mu.Unlock()
	p.changed()
}

// SetLoop toggles loop mode.
func (p *Player) SetLoop(on bool) {
	p.mu.Lock()
	p.loop = on
	p.mu.Unlock()
	p.changed()
}

// Current returns the song playing now, false when the queue is empty.
func (p *Player) Current() (library.Song, bool) {
	p.mu.Lock()
	var id string
	if p.index >= 0 && p.index < len(p.queue) {
		id = p.queue[p.index]
	}
	p.mu.Unlock()

	if id == "" {
		return library.Song{}, false
	}
	sg, ok, err := p.store.Get(id)
	if err != nil || !ok {
		return library.Song{}, false
	}
	return sg, true
}

// ApplySnapshot makes the local state match a snapshot received from
// the peer. Queue ids the local library does not know are dropped with
// a log line. Playback position only moves when it differs by more
// than the configured tolerance, so minor clock drift between peers
// does not cause audible skips. No onChange fires: remote state is
// never echoed back.
func (p *Player) ApplySnapshot(s proto.FullSyncPayload) {
	resolved := make([]string, 0, len(s.QueueIDs))
	for _, id := range s.QueueIDs {
		_, ok, err := p.store.Get(id)
		if err != nil {
			log.Printf("PLAYER: resolve %s: %v", id, err)
			continue
		}
		if !ok {
			log.Printf("PLAYER: snapshot references unknown song %s, dropped", id)
			continue
		}
		resolved = append(resolved, id)
	}

	p.mu.Lock()
	p.applyingRemote = true
	p.queue = resolved
	p.index = clampIndex(s.CurrentSongIndex, len(resolved))
	p.shuffle = s.Shuffle
	p.loop = s.Loop
	wasPlaying := p.playing
	p.playing = s.IsPlaying
	seek := math.Abs(p.position-s.CurrentTime) > p.cfg.SeekToleranceSec
	if seek {
		p.position = s.CurrentTime
	}
	p.applyingRemote = false
	p.mu.Unlock()

	switch {
	case s.IsPlaying:
		p.startCurrent()
	case wasPlaying:
		p.output.Pause()
	}
	if seek && !s.IsPlaying {
		p.output.Seek(s.CurrentTime)
	}
	p.persistQueue()
}

// changed fires the snapshot handler and persists the queue. Nothing
// happens while a remote snapshot is being applied.
func (p *Player) changed() {
	p.mu.Lock()
	if p.applyingRemote {
		p.mu.Unlock()
		return
	}
	fn := p.onChange
	snap := p.snapshotLocked()
	p.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	p.persistQueue()
}

func (p *Player) startCurrent() {
	p.mu.Lock()
	playing := p.playing
	position := p.position
	p.mu.Unlock()

	if !playing {
		return
	}
	if sg, ok := p.Current(); ok {
		p.output.Play(sg, position)
	}
}

type queueState struct {
	Queue []string `json:"queue"`
	Index int      `json:"index"`
}

func (p *Player) persistQueue() {
	if !p.cfg.RememberQueue {
		return
	}
	p.mu.Lock()
	st := queueState{Queue: append([]string(nil), p.queue...), Index: p.index}
	p.mu.Unlock()

	b, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := p.store.MetaSet(queueStateKey, string(b)); err != nil {
		log.Printf("PLAYER: persist queue: %v", err)
	}
}

// RestoreQueue loads the queue saved by the previous run. Ids that no
// longer resolve are dropped. Playback stays paused.
func (p *Player) RestoreQueue() {
	if !p.cfg.RememberQueue {
		return
	}
	raw, err := p.store.MetaGet(queueStateKey)
	if err != nil || raw == "" {
		return
	}
	var st queueState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		log.Printf("PLAYER: restore queue: %v", err)
		return
	}

	resolved := make([]string, 0, len(st.Queue))
	for _, id := range st.Queue {
		if _, ok, err := p.store.Get(id); err == nil && ok {
			resolved = append(resolved, id)
		}
	}

	p.mu.Lock()
	p.queue = resolved
	p.index = clampIndex(st.Index, len(resolved))
	p.mu.Unlock()

	if len(resolved) > 0 {
		log.Printf("PLAYER: restored queue of %d songs", len(resolved))
	}
}

// clampIndex bounds an index to the queue. Negative means no song
// selected and is preserved, not snapped to the first entry.
func clampIndex(i, n int) int {
	if n == 0 || i < 0 {
		return -1
	}
	if i >= n {
		return n - 1
	}
	return i
}
