package recorder

import (
	"encoding/binary"
	"io"
)

// writeWAVHeader writes a canonical 44-byte PCM WAV header for the given
// mono 16-bit sample stream ahead of the raw little-endian sample bytes.
// No example repo in the retrieval pack imports a WAV-writing library —
// the format is fixed-layout and short enough to write directly with
// encoding/binary (see DESIGN.md).
func writeWAVHeader(w io.Writer, sampleRate int, numSamples int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8
	dataSize := numSamples * blockAlign
	riffSize := 36 + dataSize

	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(riffSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16), // fmt chunk size
		uint16(1),  // PCM
		uint16(numChannels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		uint32(dataSize),
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func writeWAVSamples(w io.Writer, samples []int16) error {
	return binary.Write(w, binary.LittleEndian, samples)
}
