// Command analytics is the stage-B entry point of spec §6: one process
// per channel, consuming that channel's minute archives in order to
// detect WWV/WWVH/CHU minute tones, refine the RTP<->UTC anchor,
// decimate to the 10 Hz long-form archive, and emit timing telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/anchor"
	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/metrics"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutereader"
	"github.com/n0ise-hf/wwvhf-capture/internal/status"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/n0ise-hf/wwvhf-capture/internal/tonedetect"
	"github.com/n0ise-hf/wwvhf-capture/internal/decimator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const analysisHalfWindow = 5 * time.Second

func main() {
	channelName := flag.String("channel", "", "channel name (spec §6)")
	archiveDir := flag.String("archive-dir", "", "per-channel minute-archive directory written by cmd/capture")
	outputDir := flag.String("output-dir", "", "directory for the long-form archive, timing CSV, and status JSON")
	stateFile := flag.String("state-file", "", "path to the persisted last-processed-minute bookmark")
	threshold := flag.Float64("threshold", 0, "matched-filter acceptance threshold (spec §4.6 step 7; 0 uses the 0.12 default)")
	maxBackfill := flag.Int("max-backfill-minutes", 1440, "bound on historical minutes replayed on startup (spec §4.9)")
	metricsAddr := flag.String("metrics-addr", ":9101", "address for the Prometheus /metrics endpoint (empty disables)")
	natsAddr := flag.String("nats-addr", "", "optional NATS address for publishing status/detection events to the dashboard collaborator")
	flag.Parse()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(lev).With().Timestamp().Str("channel", *channelName).Logger()

	if *channelName == "" || *archiveDir == "" || *outputDir == "" {
		log.Fatal().Msg("analytics: --channel, --archive-dir and --output-dir are required")
	}

	ssrc, sampleRate, freqHz, err := discoverChannel(*archiveDir)
	if err != nil {
		log.Fatal().Err(err).Msg("analytics: could not determine channel parameters from archive directory")
	}
	stations := stationsForFrequency(freqHz)
	log.Info().Uint32("ssrc", ssrc).Uint32("sample_rate", sampleRate).Float64("frequency_hz", freqHz).
		Interface("stations", stations).Msg("analytics: starting")

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("analytics: create output dir")
	}

	reader, err := minutereader.New(minutereader.Config{
		ArchiveDir:         *archiveDir,
		SSRC:               ssrc,
		StateFile:          *stateFile,
		SampleRate:         sampleRate,
		MaxBackfillMinutes: *maxBackfill,
		Log:                log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("analytics: building minute reader")
	}

	holder := timesnap.NewHolder(nil)
	mgr := anchor.New(holder, holderScheduler{holder}, sampleRate)
	dec := decimator.New()
	lf := archive.NewLongFormWriter(*outputDir, *channelName)
	defer lf.Close()

	csv, err := metrics.NewCSVWriter(filepath.Join(*outputDir, *channelName+"_timing.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("analytics: opening timing csv")
	}
	defer csv.Close()

	statusW := status.NewWriter(*outputDir, *channelName)

	reg := prometheus.NewRegistry()
	prom := metrics.NewProm(reg)

	var natsPub *status.Publisher
	if *natsAddr != "" {
		natsPub, err = status.NewPublisher(*natsAddr, "wwvhf.analytics", log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("analytics: connecting to NATS")
		}
		defer natsPub.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("analytics: metrics http server")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	proc := &processor{
		channelName: *channelName,
		sessionID:   fmt.Sprintf("%s-%d", *channelName, time.Now().UnixNano()),
		threshold:   *threshold,
		stations:    stations,
		holder:      holder,
		mgr:         mgr,
		dec:         dec,
		lf:          lf,
		csv:         csv,
		statusW:     statusW,
		prom:        prom,
		nats:        natsPub,
		log:         log.Logger,
	}

	// Drain any backlog immediately, then poll on the reader's own
	// schedule until cancelled (spec §4.9 "Backfill").
	initial, err := reader.Poll()
	if err != nil {
		log.Fatal().Err(err).Msg("analytics: initial poll")
	}
	proc.handle(initial)

	if err := reader.Start(ctx, proc.handle); err != nil {
		log.Fatal().Err(err).Msg("analytics: starting minute reader poll loop")
	}

	<-ctx.Done()
	_ = reader.Stop()
	log.Info().Msg("analytics: shut down cleanly")
}

// holderScheduler applies an anchor update directly to the channel's
// timesnap.Holder. Analytics processes exactly one minute at a time in
// strict order, so "apply at the next boundary" (spec §4.3/§4.7) is
// simply "apply before computing anything else for this minute" — the
// call site in processor.handle does so immediately after Observe.
type holderScheduler struct {
	holder *timesnap.Holder
}

func (h holderScheduler) UpdateTimeSnapPending(s *timesnap.Snap) {
	h.holder.Store(s)
}

// discoverChannel peeks the earliest minute archive in dir to learn
// this channel's SSRC, sample rate and frequency, since spec §6's CLI
// surface identifies a channel by name and directory, not by repeating
// the full configuration row analytics has no other way to obtain.
func discoverChannel(dir string) (ssrc uint32, sampleRate uint32, freqHz float64, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_iq.avro"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("glob %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return 0, 0, 0, fmt.Errorf("no minute archives found yet in %s", dir)
	}
	sort.Strings(matches)

	m, err := archive.ReadMinuteFile(matches[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read %s: %w", matches[0], err)
	}
	return m.SSRC, m.SampleRate, m.FrequencyHz, nil
}

// stationsForFrequency maps a channel's tuned frequency to the
// stations tonedetect should test templates for (spec §1's channel
// list: WWV 2.5/5/10/15/20/25 MHz test WWV+WWVH; CHU 3.33/7.85/14.67
// MHz test CHU only).
func stationsForFrequency(freqHz float64) []tonedetect.Station {
	const mhz = 1e6
	wwvFreqs := []float64{2.5 * mhz, 5 * mhz, 10 * mhz, 15 * mhz, 20 * mhz, 25 * mhz}
	for _, f := range wwvFreqs {
		if closeEnough(freqHz, f) {
			return []tonedetect.Station{tonedetect.StationWWV, tonedetect.StationWWVH}
		}
	}
	return []tonedetect.Station{tonedetect.StationCHU}
}

func closeEnough(a, b float64) bool {
	const tolHz = 1000 // a kHz of tuning slop still identifies the same channel
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < tolHz
}
