package transfer

import (
	"time"

	"github.com/tandem-sync/tandem/internal/proto"
)

// outbound is the sending side of one transfer: the full chunk list is
// built up front and retained until the engine closes, so gap reports
// can be answered without re-reading the store.
type outbound struct {
	key    string
	chunks [][]byte
	delay  time.Duration
}

func newOutbound(key string, data []byte, chunkSize int, delay time.Duration) *outbound {
	return &outbound{key: key, chunks: splitChunks(data, chunkSize), delay: delay}
}

// sendAll streams every chunk in order, paced by the configured delay.
func (o *outbound) sendAll(send func(proto.Message)) {
	for i := range o.chunks {
		o.sendChunk(i, send)
		if o.delay > 0 && i < len(o.chunks)-1 {
			time.Sleep(o.delay)
		}
	}
}

// resend re-sends the requested indices. Out-of-range indices are
// ignored.
func (o *outbound) resend(indices []int, send func(proto.Message)) {
	for _, i := range indices {
		if i < 0 || i >= len(o.chunks) {
			continue
		}
		o.sendChunk(i, send)
		if o.delay > 0 {
			time.Sleep(o.delay)
		}
	}
}

func (o *outbound) sendChunk(i int, send func(proto.Message)) {
	msg, err := proto.New(proto.TypeSongFileChunk, proto.ChunkPayload{
		SongKey:     o.key,
		Chunk:       o.chunks[i],
		ChunkIndex:  i,
		TotalChunks: len(o.chunks),
	})
	if err != nil {
		return
	}
	send(msg)
}

// splitChunks cuts data into size-byte slices. Empty data still yields
// one empty chunk so the transfer has something to complete on.
func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 16 * 1024
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
