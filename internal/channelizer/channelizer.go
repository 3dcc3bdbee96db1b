// Package channelizer extracts N independent FM stations from a single
// wideband IQ stream: frequency shift, low-pass filter, decimation, and
// FM phase-differencing demodulation per station (spec.md §4.1).
package channelizer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBlockSize is ~109ms of IQ at 2.4MS/s, the block size spec.md §4.1
// recommends for the shift/filter/decimate pipeline.
const DefaultBlockSize = 262144

// StationConfig names one target frequency and where its demodulated PCM
// should land.
type StationConfig struct {
	FreqHz int64
	Sink   Sink
}

// Config is the frozen channelizer run plan. CenterHz is the tuner's
// center frequency (the arithmetic mean of the requested stations);
// SampleRate is fixed at 2,400,000 for multi-station mode.
type Config struct {
	CenterHz   int64
	SampleRate int
	BlockSize  int
	Stations   []StationConfig
}

// Channelizer owns the per-station pipelines and the shared block buffers.
type Channelizer struct {
	cfg      Config
	stations []*station
	log      zerolog.Logger

	lastResyncLog time.Time
}

// New builds a Channelizer for the given stations. CenterHz should already
// be the mean of the requested frequencies; callers validate the 2.0MHz
// span limit before constructing one (internal/config.Config.Validate).
func New(cfg Config, log zerolog.Logger) *Channelizer {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	c := &Channelizer{cfg: cfg, log: log.With().Str("component", "channelizer").Logger()}
	for _, sc := range cfg.Stations {
		st := newStation(sc.FreqHz, cfg.CenterHz, cfg.SampleRate)
		st.sink = sc.Sink
		c.stations = append(c.stations, st)
	}
	return c
}

// Drops returns the per-station drop counts, keyed by frequency, for
// status reporting.
func (c *Channelizer) Drops() map[int64]uint64 {
	out := make(map[int64]uint64, len(c.stations))
	for _, st := range c.stations {
		out[st.freqHz] = st.drops
	}
	return out
}

// Run consumes raw interleaved 8-bit unsigned IQ bytes from r until EOF or
// ctx is cancelled, fanning demodulated PCM out to each station's sink.
// It never returns an error for a clean EOF; the caller treats that as the
// IQ source closing and cascades shutdown through the tees.
func (c *Channelizer) Run(ctx context.Context, r io.Reader) error {
	blockBytes := c.cfg.BlockSize * 2 // I + Q bytes per complex sample
	raw := make([]byte, blockBytes)
	block := make([]complex128, c.cfg.BlockSize)
	shifted := make([]complex128, c.cfg.BlockSize)
	filtered := make([]complex128, c.cfg.BlockSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := io.ReadFull(r, raw)
		total := n

		if total >= 2 {
			usable := total - (total % 2)
			if usable != total {
				c.logResync()
			}
			nSamples := usable / 2
			for i := 0; i < nSamples; i++ {
				re := (float64(raw[2*i]) - 127.5) / 127.5
				im := (float64(raw[2*i+1]) - 127.5) / 127.5
				block[i] = complex(re, im)
			}
			c.processBlock(block[:nSamples], shifted[:nSamples], filtered[:nSamples])
		}

		if err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return nil
			}
			return fmt.Errorf("channelizer: read iq stream: %w", err)
		}
	}
}

func (c *Channelizer) processBlock(block, shifted, filtered []complex128) {
	for _, st := range c.stations {
		st.process(block, shifted, filtered)
	}
}

func (c *Channelizer) logResync() {
	now := time.Now()
	if now.Sub(c.lastResyncLog) < time.Minute {
		return
	}
	c.lastResyncLog = now
	c.log.Warn().Msg("odd byte count in IQ stream, discarding trailing byte and resyncing")
}
