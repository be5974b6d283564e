package transfer

import (
	"log"
	"sync"
	"time"

	"github.com/tandem-sync/tandem/internal/proto"
)

// inbound reassembles one song from chunks arriving in any order.
// Duplicate chunks are ignored. When no chunk arrives for the gap
// timeout, the still-missing indices are requested from the sender; the
// timer restarts so a stalled resend is retried too.
type inbound struct {
	key   string
	gap   time.Duration
	reply func(proto.Message)

	mu       sync.Mutex
	chunks   [][]byte
	received int
	timer    *time.Timer
	done     bool
}

func newInbound(key string, total int, gap time.Duration, reply func(proto.Message)) *inbound {
	if total < 1 {
		total = 1
	}
	t := &inbound{
		key:    key,
		gap:    gap,
		reply:  reply,
		chunks: make([][]byte, total),
	}
	if gap > 0 {
		t.timer = time.AfterFunc(gap, t.requestMissing)
	}
	return t
}

// accept stores one chunk. When it was the last one, the assembled
// payload is returned with done=true and the transfer is finished.
func (t *inbound) accept(p proto.ChunkPayload) (data []byte, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil, false
	}
	if p.ChunkIndex < 0 || p.ChunkIndex >= len(t.chunks) {
		log.Printf("TRANSFER: chunk %d/%d of %q out of range, dropped", p.ChunkIndex, len(t.chunks), t.key)
		return nil, false
	}
	if t.chunks[p.ChunkIndex] == nil {
		t.chunks[p.ChunkIndex] = p.Chunk
		t.received++
	}

	if t.received == len(t.chunks) {
		t.done = true
		t.stopTimerLocked()
		var total int
		for _, c := range t.chunks {
			total += len(c)
		}
		data = make([]byte, 0, total)
		for _, c := range t.chunks {
			data = append(data, c...)
		}
		return data, true
	}

	t.resetTimerLocked()
	return nil, false
}

// missing returns the indices not yet received, ascending.
func (t *inbound) missing() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missingLocked()
}

func (t *inbound) missingLocked() []int {
	var out []int
	for i, c := range t.chunks {
		if c == nil {
			out = append(out, i)
		}
	}
	return out
}

// requestMissing fires on gap timeout: report the holes to the sender
// and arm the timer again.
func (t *inbound) requestMissing() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	idxs := t.missingLocked()
	t.resetTimerLocked()
	t.mu.Unlock()

	if len(idxs) == 0 {
		return
	}
	log.Printf("TRANSFER: %q stalled, re-requesting %d chunks", t.key, len(idxs))
	msg, err := proto.New(proto.TypeRequestMissingFileChunks, proto.MissingChunksPayload{
		SongKey:        t.key,
		MissingIndices: idxs,
	})
	if err != nil {
		return
	}
	t.reply(msg)
}

// stop abandons the transfer.
func (t *inbound) stop() {
	t.mu.Lock()
	t.done = true
	t.stopTimerLocked()
	t.mu.Unlock()
}

func (t *inbound) resetTimerLocked() {
	if t.timer != nil {
		t.timer.Reset(t.gap)
	}
}

func (t *inbound) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
