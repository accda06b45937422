// Package tonedetect implements the phase-invariant quadrature matched
// filter of spec §4.6: AM demodulation, polyphase decimation to 3kHz,
// sin/cos correlation against a unit-energy tone template, and
// duration-gated station discrimination. It is a pure function over a
// window of samples with no persistent state (spec DESIGN NOTES §9),
// so it is trivially testable in isolation.
package tonedetect

import (
	"math"
	"math/cmplx"
)

// Station identifies the broadcaster a detection is attributed to.
type Station string

const (
	StationWWV  Station = "WWV"
	StationWWVH Station = "WWVH"
	StationCHU  Station = "CHU"
)

const (
	inputRate       = 16000
	demodRate       = 3000
	decimateFactor  = inputRate / demodRate // 16/3 is not integral; see resampleTo3kHz
	defaultThreshold = 0.12
)

// toneSpec is the per-station template parameters of spec §4.6 step 3.
type toneSpec struct {
	station     Station
	freqHz      float64
	durationSec float64
	minDur      float64
	maxDur      float64
}

var templates = []toneSpec{
	{StationWWV, 1000, 0.8, 0.7, 1.0},
	{StationWWVH, 1200, 0.8, 0.7, 1.0},
	{StationCHU, 1000, 0.5, 0.4, 0.6},
}

// Detection is one tone detection record (spec §4.6).
type Detection struct {
	Station          Station
	ToneFreqHz       float64
	MeasuredDuration float64 // seconds
	RisingEdgeUTC    float64 // seconds since epoch
	TimingErrorMs    float64 // vs. minute boundary
	SNRdB            float64
	CorrelationPeak  float64
	NoiseFloor       float64
	Confidence       float64
	UseForTimeSnap   bool
}

// Options configures a detection pass over one window.
type Options struct {
	// Threshold is the tunable acceptance threshold on the normalized
	// matched-filter peak (spec §4.6 step 7; default 0.12).
	Threshold float64
	// WindowStartUTC is the UTC time of the window's first sample
	// (should be :55 of the preceding minute per spec §4.6).
	WindowStartUTC float64
	// MinuteBoundaryUTC is the UTC instant (:00.000) the window is
	// centered on, used for TimingErrorMs.
	MinuteBoundaryUTC float64
	// Stations restricts which templates to test (e.g. WWV frequencies
	// test WWV+WWVH; CHU frequencies test only CHU).
	Stations []Station
}

// Detect runs the matched filter over iq (a contiguous window of 16kHz
// complex samples spanning a UTC minute boundary) and returns zero or
// more qualifying detections, one per station template tested.
func Detect(iq []complex64, opts Options) []Detection {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}

	demod := amDemodulate(iq)
	resampled := resampleTo3kHz(demod)

	var out []Detection
	for _, spec := range templates {
		if !wanted(opts.Stations, spec.station) {
			continue
		}
		d, ok := detectOne(resampled, spec, threshold, opts.WindowStartUTC, opts.MinuteBoundaryUTC)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func wanted(stations []Station, s Station) bool {
	if len(stations) == 0 {
		return true
	}
	for _, want := range stations {
		if want == s {
			return true
		}
	}
	return false
}

// amDemodulate takes the complex magnitude and removes the DC bias
// (spec §4.6 step 1).
func amDemodulate(iq []complex64) []float64 {
	out := make([]float64, len(iq))
	var mean float64
	for i, s := range iq {
		m := cmplx.Abs(complex128(s))
		out[i] = m
		mean += m
	}
	if len(out) > 0 {
		mean /= float64(len(out))
	}
	for i := range out {
		out[i] -= mean
	}
	return out
}

// resampleTo3kHz implements the rational 3/16 polyphase resample of
// spec §4.6 step 2. It upsamples by 3 (zero-stuff + low-pass) then
// decimates by 16, the standard rational-resampling construction.
func resampleTo3kHz(x []float64) []float64 {
	const up, down = 3, 16

	upsampled := make([]float64, len(x)*up)
	for i, v := range x {
		upsampled[i*up] = v
	}

	// A short low-pass FIR (windowed sinc at the output Nyquist,
	// 1.5kHz) suppresses imaging from the zero-stuffing and aliasing
	// from the decimation in one pass, since it runs on the already
	// up-sampled (48kHz-equivalent) stream.
	taps := lowpassTaps(63, 1.0/float64(2*down))
	filtered := convolveSame(upsampled, taps)

	outLen := len(filtered) / down
	out := make([]float64, outLen)
	for i := 0; i < outLen; i++ {
		out[i] = filtered[i*down] * float64(up)
	}
	return out
}

func lowpassTaps(n int, cutoff float64) []float64 {
	taps := make([]float64, n)
	mid := float64(n-1) / 2
	var sum float64
	for i := 0; i < n; i++ {
		x := float64(i) - mid
		var sinc float64
		if x == 0 {
			sinc = 2 * cutoff
		} else {
			sinc = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		window := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1)) // Hamming
		taps[i] = sinc * window
		sum += taps[i]
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

func convolveSame(x, taps []float64) []float64 {
	n := len(taps)
	half := n / 2
	out := make([]float64, len(x))
	for i := range x {
		var acc float64
		for k := 0; k < n; k++ {
			xi := i + k - half
			if xi < 0 || xi >= len(x) {
				continue
			}
			acc += x[xi] * taps[k]
		}
		out[i] = acc
	}
	return out
}

// detectOne runs the quadrature matched filter for one station
// template against the demodulated, resampled signal (spec §4.6 steps
// 3-7).
func detectOne(x []float64, spec toneSpec, threshold float64, windowStartUTC, minuteBoundaryUTC float64) (Detection, bool) {
	toneLen := int(spec.durationSec * demodRate)
	if toneLen <= 0 || toneLen > len(x) {
		return Detection{}, false
	}

	sinTpl := make([]float64, toneLen)
	cosTpl := make([]float64, toneLen)
	norm := math.Sqrt(2.0 / float64(toneLen))
	for i := 0; i < toneLen; i++ {
		phase := 2 * math.Pi * spec.freqHz * float64(i) / demodRate
		sinTpl[i] = norm * math.Sin(phase)
		cosTpl[i] = norm * math.Cos(phase)
	}

	energy := rootEnergy(x)
	if energy == 0 {
		return Detection{}, false
	}

	var bestIdx int
	var bestMag float64
	mags := make([]float64, 0, len(x)-toneLen+1)
	for start := 0; start+toneLen <= len(x); start++ {
		var csin, ccos float64
		for i := 0; i < toneLen; i++ {
			csin += x[start+i] * sinTpl[i]
			ccos += x[start+i] * cosTpl[i]
		}
		mag := math.Hypot(csin, ccos) / energy
		mags = append(mags, mag)
		if mag > bestMag {
			bestMag = mag
			bestIdx = start
		}
	}

	if bestMag <= threshold {
		return Detection{}, false
	}

	runStart, runEnd := thresholdRun(mags, bestIdx, threshold*0.5)
	measuredDurSec := float64(runEnd-runStart) / demodRate
	if measuredDurSec < 0.48 || measuredDurSec > 1.2 {
		return Detection{}, false
	}
	if measuredDurSec < spec.minDur || measuredDurSec > spec.maxDur {
		return Detection{}, false
	}

	risingEdgeUTC := windowStartUTC + float64(bestIdx)/demodRate
	noiseFloor := noiseFloorEstimate(mags, bestIdx, toneLen)
	snr := 20 * math.Log10(bestMag/math.Max(noiseFloor, 1e-9))
	confidence := clamp01((bestMag - threshold) / (1 - threshold))

	return Detection{
		Station:          spec.station,
		ToneFreqHz:       spec.freqHz,
		MeasuredDuration: measuredDurSec,
		RisingEdgeUTC:    risingEdgeUTC,
		TimingErrorMs:    (risingEdgeUTC - minuteBoundaryUTC) * 1000,
		SNRdB:            snr,
		CorrelationPeak:  bestMag,
		NoiseFloor:        noiseFloor,
		Confidence:       confidence,
		UseForTimeSnap:   spec.station != StationWWVH,
	}, true
}

func rootEnergy(x []float64) float64 {
	var sumSq float64
	for _, v := range x {
		sumSq += v * v
	}
	if len(x) == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(len(x)))
}

// thresholdRun finds the contiguous run around peakIdx whose magnitude
// stays above half-threshold, giving the tone's envelope duration
// (spec §4.6 step 7).
func thresholdRun(mags []float64, peakIdx int, halfThreshold float64) (start, end int) {
	start = peakIdx
	for start > 0 && mags[start-1] > halfThreshold {
		start--
	}
	end = peakIdx
	for end < len(mags)-1 && mags[end+1] > halfThreshold {
		end++
	}
	return start, end + 1
}

func noiseFloorEstimate(mags []float64, peakIdx, toneLen int) float64 {
	var sum float64
	var n int
	for i, m := range mags {
		if i >= peakIdx-toneLen && i <= peakIdx+toneLen {
			continue
		}
		sum += m
		n++
	}
	if n == 0 {
		return 1e-9
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
