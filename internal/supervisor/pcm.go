package supervisor

import (
	"encoding/binary"
	"io"
	"sync/atomic"
)

// pcmBridge adapts a channelizer.Sink (non-blocking Push of int16 samples)
// onto an io.Reader (the blocking byte stream internal/tee.Tee.Run
// expects). Push encodes samples little-endian and enqueues them on a
// buffered channel without blocking, matching the channelizer's "never
// stall on a slow sink" contract (spec.md §4.1); a full channel counts as
// a drop instead of blocking the whole channelizer run loop. Read drains
// the channel directly rather than going through an io.Pipe, so closing
// the bridge during shutdown can never leave a writer blocked forever on
// a reader that stopped pulling.
type pcmBridge struct {
	out   chan []byte
	drops atomic.Uint64

	leftover []byte
	closed   chan struct{}
}

// newPCMBridge builds a bridge with room for bufBlocks pending chunks
// before Push starts dropping.
func newPCMBridge(bufBlocks int) *pcmBridge {
	return &pcmBridge{
		out:    make(chan []byte, bufBlocks),
		closed: make(chan struct{}),
	}
}

// Push implements channelizer.Sink.
func (b *pcmBridge) Push(samples []int16) bool {
	chunk := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(chunk[2*i:], uint16(v))
	}
	select {
	case b.out <- chunk:
		return true
	default:
		b.drops.Add(1)
		return false
	}
}

// Read implements io.Reader, draining queued chunks. It blocks until a
// chunk is available or the bridge is closed, at which point it returns
// io.EOF so the tee cascades shutdown the same way it would for a closed
// IQ source.
func (b *pcmBridge) Read(p []byte) (int, error) {
	if len(b.leftover) == 0 {
		select {
		case chunk, ok := <-b.out:
			if !ok {
				return 0, io.EOF
			}
			b.leftover = chunk
		case <-b.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, b.leftover)
	b.leftover = b.leftover[n:]
	return n, nil
}

// Drops reports PCM chunks (one per rejected Push) dropped because the
// bridge buffer was full.
func (b *pcmBridge) Drops() uint64 { return b.drops.Load() }

// Close unblocks any in-progress Read. Safe to call once.
func (b *pcmBridge) Close() {
	close(b.closed)
}
