package channelizer

import "math"

// designLowpass returns a Kaiser-windowed sinc low-pass FIR with the given
// number of taps (odd, so the filter has linear phase with an integer
// group delay) and beta shape parameter. cutoffHz and sampleRate determine
// the normalized cutoff frequency.
//
// No example repo in the retrieval pack imports a DSP/filter-design
// library, so this is implemented directly against math — see DESIGN.md's
// stdlib justification for the channelizer.
func designLowpass(sampleRate int, cutoffHz float64, numTaps int, beta float64) []float64 {
	if numTaps%2 == 0 {
		numTaps++
	}
	taps := make([]float64, numTaps)
	m := numTaps - 1
	fc := cutoffHz / float64(sampleRate) // normalized, cycles/sample

	denom := besselI0(beta)
	for n := 0; n < numTaps; n++ {
		k := float64(n) - float64(m)/2
		var sinc float64
		if k == 0 {
			sinc = 2 * fc
		} else {
			sinc = math.Sin(2*math.Pi*fc*k) / (math.Pi * k)
		}
		x := 2*float64(n)/float64(m) - 1
		win := besselI0(beta*math.Sqrt(1-x*x)) / denom
		taps[n] = sinc * win
	}
	return taps
}

// besselI0 computes the zeroth-order modified Bessel function of the first
// kind via its power series, the standard way to build a Kaiser window:
// I0(x) = sum_{k=0}^inf [ (x/2)^k / k! ]^2
func besselI0(x float64) float64 {
	halfX := x / 2
	term := 1.0
	sum := 1.0
	for k := 1; k < 40; k++ {
		term *= halfX / float64(k)
		sum += term * term
	}
	return sum
}

// firFilter is a streaming complex FIR with real taps, applied by direct
// convolution carrying a history tail across block boundaries.
type firFilter struct {
	taps    []float64
	history []complex128 // len(taps)-1 trailing samples from the previous block
}

func newFIRFilter(taps []float64) *firFilter {
	return &firFilter{
		taps:    taps,
		history: make([]complex128, len(taps)-1),
	}
}

// apply filters in, writing len(in) outputs to out (out may alias a
// pre-sized scratch buffer reused across calls). Output sample i is the
// convolution ending at input sample i; the history carried between calls
// keeps it continuous across block boundaries, and the output lags the
// input by the filter's group delay of (len(taps)-1)/2 samples.
func (f *firFilter) apply(in []complex128, out []complex128) {
	n := len(f.taps)
	ext := make([]complex128, len(f.history)+len(in))
	copy(ext, f.history)
	copy(ext[len(f.history):], in)

	for i := range in {
		var acc complex128
		base := i + n - 1 // index into ext of the newest sample for this output
		for k := 0; k < n; k++ {
			acc += complex(f.taps[k], 0) * ext[base-k]
		}
		out[i] = acc
	}

	tailStart := len(ext) - len(f.history)
	copy(f.history, ext[tailStart:])
}
