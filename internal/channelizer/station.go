package channelizer

import (
	"math"
	"math/cmplx"
)

const (
	decimation  = 14
	firNumTaps  = 129
	firBeta     = 6.0
	lowpassHz   = 100_000.0
	// fmGain scales the phase-difference demodulator so a nominal +-75kHz
	// deviation maps near +-20000 on the int16 output, per spec. Demod runs
	// on decimated samples (2.4MS/s / 14), where 75kHz deviation is
	// 2*pi*75000/171428 rad per sample.
	fmGain = 20000.0 / (2 * math.Pi * 75_000.0 / (2_400_000.0 / decimation))
)

// Sink receives demodulated PCM for one station. Push must never block; a
// sink that cannot accept a block should return false so the caller counts
// a drop rather than stalling the channelizer.
type Sink interface {
	Push(samples []int16) bool
}

// station holds the per-frequency pipeline state carried across blocks:
// NCO phase, FIR history, decimation phase, and the previous demodulated
// complex sample (needed by phase-differencing FM demod).
type station struct {
	freqHz     int64
	shiftRad   float64 // radians/sample to translate this frequency to baseband
	phase      float64 // running NCO phase, wrapped mod 2pi
	fir        *firFilter
	decimPhase int
	prevSample complex128
	havePrev   bool
	sink       Sink
	drops      uint64
}

func newStation(freqHz, centerHz int64, sampleRate int) *station {
	shift := -2 * math.Pi * float64(freqHz-centerHz) / float64(sampleRate)
	taps := designLowpass(sampleRate, lowpassHz, firNumTaps, firBeta)
	return &station{
		freqHz:   freqHz,
		shiftRad: shift,
		fir:      newFIRFilter(taps),
	}
}

// process runs one block of baseband complex samples through this
// station's shift -> FIR -> decimate -> FM-demod chain and pushes the
// resulting PCM16 to the sink. Scratch buffers are reused across calls by
// the caller to avoid per-block allocation.
func (s *station) process(block []complex128, shifted, filtered []complex128) {
	for i, x := range block {
		shifted[i] = x * cmplx.Exp(complex(0, s.phase))
		s.phase += s.shiftRad
	}
	// Wrap phase periodically so it never drifts into float precision loss.
	if s.phase > math.Pi || s.phase < -math.Pi {
		s.phase = math.Mod(s.phase, 2*math.Pi)
	}

	s.fir.apply(shifted, filtered)

	pcm := make([]int16, 0, len(filtered)/decimation+1)
	for _, x := range filtered {
		if s.decimPhase == 0 {
			if s.havePrev {
				diff := x * cmplx.Conj(s.prevSample)
				angle := math.Atan2(imag(diff), real(diff))
				v := angle * fmGain
				pcm = append(pcm, clampInt16(v))
			}
			s.prevSample = x
			s.havePrev = true
		}
		s.decimPhase++
		if s.decimPhase == decimation {
			s.decimPhase = 0
		}
	}

	if len(pcm) == 0 {
		return
	}
	if s.sink != nil && !s.sink.Push(pcm) {
		s.drops++
	}
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
