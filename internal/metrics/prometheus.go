package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prom holds every Prometheus series this system exposes, grouped the
// way runZeroInc-sockstats' exporter package groups a fixed set of
// *Vec metrics registered once at startup and updated from the same
// counters that feed the CSV writer above.
type Prom struct {
	PacketsReceived   *prometheus.CounterVec
	Duplicates        *prometheus.CounterVec
	LateDrops         *prometheus.CounterVec
	Resyncs           *prometheus.CounterVec
	ZeroFilledSamples *prometheus.CounterVec
	OverflowDrops     *prometheus.CounterVec
	SessionBoundaries *prometheus.CounterVec

	ToneConfidence  *prometheus.GaugeVec
	ToneSNRdB       *prometheus.GaugeVec
	DriftPPM        *prometheus.GaugeVec
	WWVWWVHDeltaMs  *prometheus.GaugeVec
	TimeSnapAgeSecs *prometheus.GaugeVec
	CompletenessPct *prometheus.GaugeVec
}

// NewProm constructs every series with a "channel" label and registers
// them with reg (pass prometheus.DefaultRegisterer in production,
// prometheus.NewRegistry() in tests).
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "packets_received_total",
			Help: "RTP packets received, per channel.",
		}, []string{"channel"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "duplicates_total",
			Help: "Duplicate RTP packets dropped, per channel.",
		}, []string{"channel"}),
		LateDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "late_drops_total",
			Help: "Packets arriving after their reorder-horizon slot was reclaimed.",
		}, []string{"channel"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "resyncs_total",
			Help: "Forced resequencer resyncs (sequence/timestamp jump beyond the horizon).",
		}, []string{"channel"}),
		ZeroFilledSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "zero_filled_samples_total",
			Help: "Samples zero-filled to cover gaps, per channel.",
		}, []string{"channel"}),
		OverflowDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "overflow_drops_total",
			Help: "Packets dropped due to bounded handoff queue overflow.",
		}, []string{"channel"}),
		SessionBoundaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "session_boundary_total",
			Help: "Non-contiguous rtp_timestamp_at_start transitions observed by the minute reader.",
		}, []string{"channel"}),

		ToneConfidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "tone_confidence",
			Help: "Most recent tone-detection confidence, per channel/station.",
		}, []string{"channel", "station"}),
		ToneSNRdB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "tone_snr_db",
			Help: "Most recent tone-detection SNR in dB, per channel/station.",
		}, []string{"channel", "station"}),
		DriftPPM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "drift_ppm",
			Help: "ADC-vs-NTP drift estimate between consecutive qualifying detections.",
		}, []string{"channel"}),
		WWVWWVHDeltaMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "wwv_wwvh_edge_delta_ms",
			Help: "WWV minus WWVH rising-edge delta, a propagation-delay observable (SPEC_FULL supplemented feature).",
		}, []string{"channel"}),
		TimeSnapAgeSecs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "analytics", Name: "time_snap_age_seconds",
			Help: "Age of the active time-snap, per channel.",
		}, []string{"channel"}),
		CompletenessPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wwvhf", Subsystem: "capture", Name: "completeness_pct",
			Help: "Percentage of the most recently flushed minute that is not zero-filled, per channel.",
		}, []string{"channel"}),
	}

	reg.MustRegister(
		p.PacketsReceived, p.Duplicates, p.LateDrops, p.Resyncs,
		p.ZeroFilledSamples, p.OverflowDrops, p.SessionBoundaries,
		p.ToneConfidence, p.ToneSNRdB, p.DriftPPM, p.WWVWWVHDeltaMs,
		p.TimeSnapAgeSecs, p.CompletenessPct,
	)
	return p
}
