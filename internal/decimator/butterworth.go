package decimator

import "math"

// biquad is one direct-form-II-transposed second-order section:
// H(z) = (b0 + b1 z^-1 + b2 z^-2) / (1 + a1 z^-1 + a2 z^-2).
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// biquadState holds the two delay registers of one direct-form-II-
// transposed section, independently for the real and imaginary rails.
type biquadState struct {
	z1, z2 float64
}

func (s *biquadState) step(bq biquad, x float64) float64 {
	y := bq.b0*x + s.z1
	s.z1 = bq.b1*x - bq.a1*y + s.z2
	s.z2 = bq.b2*x - bq.a2*y
	return y
}

// designButterworthLowpass builds an order-N Butterworth low-pass as a
// cascade of order/2 biquad sections via the standard analog-prototype
// + bilinear-transform construction (spec §4.8: "8th-order Butterworth,
// cutoff near 5Hz"). order must be even.
func designButterworthLowpass(order int, cutoffHz, sampleRateHz float64) []biquad {
	if order%2 != 0 {
		panic("decimator: butterworth order must be even")
	}
	pairs := order / 2

	// Pre-warp the cutoff for the bilinear transform.
	wc := 2 * sampleRateHz * math.Tan(math.Pi*cutoffHz/sampleRateHz)

	sections := make([]biquad, 0, pairs)
	for k := 0; k < pairs; k++ {
		// Analog Butterworth pole angle (upper-half-plane member of a
		// conjugate pair), scaled to the prototype's unit circle.
		theta := math.Pi * float64(2*k+1) / float64(2*order)
		// Conjugate pair on the unit circle: p = -sin(theta) + j cos(theta).
		sigma := -math.Sin(theta) * wc
		omega := math.Cos(theta) * wc

		sections = append(sections, bilinearPolePair(sigma, omega, sampleRateHz))
	}

	normalizeDCGain(sections)
	return sections
}

// bilinearPolePair converts one analog conjugate pole pair (sigma +-
// j*omega) into a single digital biquad section via the bilinear
// transform s = 2*fs*(z-1)/(z+1). The all-pole analog prototype
// contributes a double zero at z=-1 for this pair.
func bilinearPolePair(sigma, omega, fs float64) biquad {
	// Analog section being transformed: 1 / (s^2 - 2*sigma*s + (sigma^2+omega^2)).
	// Substituting s = c*(z-1)/(z+1) and multiplying through by (z+1)^2
	// gives the standard closed-form digital biquad below.
	c := 2 * fs
	a2s := sigma*sigma + omega*omega

	k1 := c * c
	k2 := 2 * sigma * c
	k3 := a2s

	D := k1 - k2 + k3
	a1 := (2*k3 - 2*k1) / D
	a2 := (k1 + k2 + k3) / D

	// Numerator (1+z^-1)^2 scaled by 1/D (gain fixed up by normalizeDCGain).
	b0 := 1.0 / D
	b1 := 2.0 / D
	b2 := 1.0 / D

	return biquad{b0: b0, b1: b1, b2: b2, a1: a1, a2: a2}
}

// normalizeDCGain scales the first section so the cascade has unity
// gain at DC (z=1), where every section evaluates to (b0+b1+b2)/(1+a1+a2).
func normalizeDCGain(sections []biquad) {
	gain := 1.0
	for _, s := range sections {
		gain *= (s.b0 + s.b1 + s.b2) / (1 + s.a1 + s.a2)
	}
	if gain == 0 {
		return
	}
	scale := 1.0 / gain
	// Distribute the correction across all sections' b0 as the Nth root
	// would be fussy with floating point; applying it once to the first
	// section's numerator is equivalent and simpler.
	sections[0].b0 *= scale
	sections[0].b1 *= scale
	sections[0].b2 *= scale
}
