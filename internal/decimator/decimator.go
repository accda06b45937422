// Package decimator implements the 16kHz->10Hz anti-aliased resampler
// of spec §4.8: an 8th-order Butterworth low-pass whose state persists
// across minute-file boundaries, so there is no per-minute filtering
// transient, followed by a fixed 1600:1 decimation.
package decimator

const (
	filterOrder  = 8
	cutoffHz     = 5.0
	inputRateHz  = 16000
	outputRateHz = 10
	factor       = inputRateHz / outputRateHz // 1600
)

// Decimator holds the persistent IIR filter state for one channel. It
// is not safe for concurrent use; minute archives are fed to it
// strictly in order by the minute-file reader (spec §4.9).
type Decimator struct {
	sections []biquad
	stateRe  []biquadState
	stateIm  []biquadState

	phase int // samples-until-next-output, carried across calls
}

// New constructs a Decimator with fresh filter state.
func New() *Decimator {
	sections := designButterworthLowpass(filterOrder, cutoffHz, inputRateHz)
	return &Decimator{
		sections: sections,
		stateRe:  make([]biquadState, len(sections)),
		stateIm:  make([]biquadState, len(sections)),
	}
}

// Reset clears the filter state and output phase, used on a detected
// session boundary (spec §4.9/§9: non-contiguous rtp_timestamp_at_start
// resets decimator state and suppresses drift across the gap).
func (d *Decimator) Reset() {
	for i := range d.stateRe {
		d.stateRe[i] = biquadState{}
		d.stateIm[i] = biquadState{}
	}
	d.phase = 0
}

// Process filters and decimates exactly one minute's worth of samples
// (sample_rate*60 = 960000 at 16kHz) into exactly 600 output samples
// (spec §4.8). Zero-filled gap samples are filtered like any other
// sample; they are not special-cased here.
func (d *Decimator) Process(iq []complex64) []complex64 {
	out := make([]complex64, 0, outputRateHz*60)
	for _, s := range iq {
		re := d.filterSample(real(float64c(s)), d.stateRe)
		im := d.filterSample(imag(float64c(s)), d.stateIm)

		if d.phase == 0 {
			out = append(out, complex(float32(re), float32(im)))
			d.phase = factor
		}
		d.phase--
	}
	return out
}

func (d *Decimator) filterSample(x float64, states []biquadState) float64 {
	for i, bq := range d.sections {
		x = states[i].step(bq, x)
	}
	return x
}

func float64c(s complex64) complex128 { return complex128(s) }
