package channelizer

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
)

type countingSink struct {
	total int
	full  bool
}

func (s *countingSink) Push(samples []int16) bool {
	if s.full {
		return false
	}
	s.total += len(samples)
	return true
}

// syntheticIQ builds a tone at toneHz around centerHz sampled at
// sampleRate, as unsigned 8-bit interleaved IQ bytes.
func syntheticIQ(centerHz, toneHz int64, sampleRate, nSamples int) []byte {
	buf := make([]byte, nSamples*2)
	offset := float64(toneHz - centerHz)
	for i := 0; i < nSamples; i++ {
		phase := 2 * math.Pi * offset * float64(i) / float64(sampleRate)
		re := math.Cos(phase)
		im := math.Sin(phase)
		buf[2*i] = uint8((re*0.5 + 0.5) * 255)
		buf[2*i+1] = uint8((im*0.5 + 0.5) * 255)
	}
	return buf
}

func TestChannelizerProducesOutputPerStation(t *testing.T) {
	const centerHz = int64(101_500_000)
	const sampleRate = 2_400_000
	const nSamples = 32768

	sinkA := &countingSink{}
	sinkB := &countingSink{}
	cfg := Config{
		CenterHz:   centerHz,
		SampleRate: sampleRate,
		BlockSize:  8192,
		Stations: []StationConfig{
			{FreqHz: 100_000_000, Sink: sinkA},
			{FreqHz: 103_000_000, Sink: sinkB},
		},
	}
	c := New(cfg, zerolog.Nop())

	iq := syntheticIQ(centerHz, 100_000_000, sampleRate, nSamples)
	if err := c.Run(context.Background(), bytes.NewReader(iq)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Expect roughly nSamples/decimation output samples, within one
	// block's worth of slack (spec.md §8 invariant 5).
	want := nSamples / decimation
	slack := cfg.BlockSize/decimation + 2
	if sinkA.total < want-slack || sinkA.total > want+slack {
		t.Errorf("sinkA.total = %d, want ~%d (+-%d)", sinkA.total, want, slack)
	}
	if sinkB.total < want-slack || sinkB.total > want+slack {
		t.Errorf("sinkB.total = %d, want ~%d (+-%d)", sinkB.total, want, slack)
	}
}

func TestChannelizerSlowSinkDropsIndependently(t *testing.T) {
	const centerHz = int64(101_500_000)
	const sampleRate = 2_400_000
	const nSamples = 16384

	slow := &countingSink{full: true}
	fine := &countingSink{}
	cfg := Config{
		CenterHz:   centerHz,
		SampleRate: sampleRate,
		BlockSize:  4096,
		Stations: []StationConfig{
			{FreqHz: 100_000_000, Sink: slow},
			{FreqHz: 103_000_000, Sink: fine},
		},
	}
	c := New(cfg, zerolog.Nop())
	iq := syntheticIQ(centerHz, 103_000_000, sampleRate, nSamples)
	if err := c.Run(context.Background(), bytes.NewReader(iq)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if slow.total != 0 {
		t.Errorf("slow.total = %d, want 0 (sink always full)", slow.total)
	}
	drops := c.Drops()
	if drops[100_000_000] == 0 {
		t.Error("expected drop count for the slow station's frequency")
	}
	if fine.total == 0 {
		t.Error("fine sink starved by the slow one, want independent delivery")
	}
}

func TestChannelizerCleanEOF(t *testing.T) {
	cfg := Config{
		CenterHz:   100_000_000,
		SampleRate: 2_400_000,
		BlockSize:  1024,
		Stations:   []StationConfig{{FreqHz: 100_000_000, Sink: &countingSink{}}},
	}
	c := New(cfg, zerolog.Nop())
	if err := c.Run(context.Background(), bytes.NewReader(nil)); err != nil {
		t.Fatalf("Run on empty input: %v", err)
	}
}
