package recorder

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// finalizedPaths names the artifacts the pipeline produced for one event.
type finalizedPaths struct {
	WAVPath string
	OGGPath string
}

// runFinalizePipeline implements spec.md §4.3's finalize steps 1-3:
// resample to 16kHz, write the WAV, invoke ffmpeg to produce OGG/Opus.
// Steps 4-5 (event store update, transcriber enqueue) happen in the
// caller via Handoff once this returns successfully.
func runFinalizePipeline(ctx context.Context, cfg Config, eventID int64, rawPCM []byte) (finalizedPaths, error) {
	samples := bytesToInt16LE(rawPCM)
	resampled := polyphaseResample(samples, resampleUp, resampleDown)

	if err := os.MkdirAll(cfg.AudioDir, 0o755); err != nil {
		return finalizedPaths{}, fmt.Errorf("create audio dir: %w", err)
	}

	wavPath := filepath.Join(cfg.AudioDir, fmt.Sprintf("%d.wav", eventID))
	if err := writeWAVFile(wavPath, cfg.OutputSampleRate, resampled); err != nil {
		return finalizedPaths{}, fmt.Errorf("write wav: %w", err)
	}

	oggPath := filepath.Join(cfg.AudioDir, fmt.Sprintf("%d.ogg", eventID))
	if err := encodeOGG(ctx, cfg.FFmpegPath, wavPath, oggPath); err != nil {
		return finalizedPaths{}, fmt.Errorf("encode ogg: %w", err)
	}

	return finalizedPaths{WAVPath: wavPath, OGGPath: oggPath}, nil
}

func writeWAVFile(path string, sampleRate int, samples []int16) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".wav-tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := writeWAVHeader(f, sampleRate, len(samples)); err != nil {
		f.Close()
		return err
	}
	if err := writeWAVSamples(f, samples); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// encodeOGG shells out to ffmpeg, grounded on the retrieval pack's
// os/exec-based subprocess pattern (madpsy-ka9q_ubersdr's decoder
// spawner): build the command, run it to completion, surface a wrapped
// error on non-zero exit.
func encodeOGG(ctx context.Context, ffmpegPath, wavPath, oggPath string) error {
	tmp := oggPath + ".tmp"
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-y",
		"-i", wavPath,
		"-c:a", "libopus",
		"-b:a", "32k",
		"-f", "ogg", // tmp's ".tmp" suffix gives ffmpeg no muxer to infer
		tmp,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ffmpeg: %w: %s", err, string(out))
	}
	return os.Rename(tmp, oggPath)
}

func bytesToInt16LE(raw []byte) []int16 {
	n := len(raw) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i : 2*i+2]))
	}
	return out
}
