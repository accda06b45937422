package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/n0ise-hf/wwvhf-capture/internal/archive"
	"github.com/n0ise-hf/wwvhf-capture/internal/channel"
	"github.com/n0ise-hf/wwvhf-capture/internal/config"
	"github.com/n0ise-hf/wwvhf-capture/internal/metrics"
	"github.com/n0ise-hf/wwvhf-capture/internal/minutewriter"
	"github.com/n0ise-hf/wwvhf-capture/internal/ntpmon"
	"github.com/n0ise-hf/wwvhf-capture/internal/resequencer"
	"github.com/n0ise-hf/wwvhf-capture/internal/rtpio"
	"github.com/n0ise-hf/wwvhf-capture/internal/status"
	"github.com/n0ise-hf/wwvhf-capture/internal/timesnap"
	"github.com/rs/zerolog"
)

// pipeline wires one configured channel's receiver, resequencer,
// channel processor and minute writer together (spec §5: "each channel
// has its own goroutine group").
type pipeline struct {
	ch       config.Channel
	receiver *Receiver
	reseq    *resequencer.Resequencer
	proc     *channel.Processor
	holder   *timesnap.Holder
	statusW  *status.Writer
}

// Service runs every configured channel's pipeline until its context is
// cancelled, reading the shared NTP monitor (started by the caller).
type Service struct {
	cfg    *config.Config
	prom   *metrics.Prom
	ntp    *ntpmon.Monitor
	log    zerolog.Logger
	statusDir string

	pipelines []*pipeline
}

// NewService constructs a Service for every channel in cfg. Minute
// files land under cfg.DataRoot (one subdirectory per channel, named
// after the channel); statusDir is where per-channel status JSON files
// are (re)written each minute.
func NewService(cfg *config.Config, prom *metrics.Prom, ntp *ntpmon.Monitor, statusDir string, log zerolog.Logger) (*Service, error) {
	s := &Service{cfg: cfg, prom: prom, ntp: ntp, statusDir: statusDir, log: log}

	for _, ch := range cfg.Channels {
		p, err := s.buildPipeline(ch)
		if err != nil {
			return nil, err
		}
		s.pipelines = append(s.pipelines, p)
	}
	return s, nil
}

func (s *Service) buildPipeline(ch config.Channel) (*pipeline, error) {
	chLog := s.log.With().Str("channel", ch.Name).Logger()

	groupAddr, err := ch.GroupAddr()
	if err != nil {
		return nil, fmt.Errorf("capture: %s: resolve group: %w", ch.Name, err)
	}

	archiveDir := fmt.Sprintf("%s/%s", s.cfg.DataRoot, ch.Name)
	holder := timesnap.NewHolder(nil)

	ntpReader := func() *float64 {
		st := s.ntp.Status()
		if !st.Synchronized {
			return nil
		}
		v := st.OffsetMs
		return &v
	}

	writer := minutewriter.New(minutewriter.Config{
		ChannelName: ch.Name,
		SSRC:        ch.SSRC,
		FrequencyHz: ch.FrequencyHz,
		SampleRate:  ch.SampleRate,
		ArchiveDir:  archiveDir,
		SnapHolder:  holder,
		NTP:         ntpReader,
		Log:         chLog,
	}, func(m archive.Minute) {
		s.onMinuteFlushed(ch, m)
	})

	proc := channel.New(channel.Config{
		ChannelName: ch.Name,
		SampleRate:  ch.SampleRate,
		Writer:      writer,
		SnapHolder:  holder,
		Log:         chLog,
	})

	reseq := resequencer.New()
	reseq.OnDeliver = func(d resequencer.Delivery) {
		proc.Deliver(d)
		if d.GapSamples > 0 {
			s.prom.ZeroFilledSamples.WithLabelValues(ch.Name).Add(float64(d.GapSamples))
		}
	}
	reseq.OnResync = func(r resequencer.Resync) {
		proc.ApplyResync(r, time.Now())
		s.prom.Resyncs.WithLabelValues(ch.Name).Inc()
	}
	reseq.OnDuplicate = func() {
		proc.RecordDuplicate()
		s.prom.Duplicates.WithLabelValues(ch.Name).Inc()
	}
	reseq.OnLateDrop = func() {
		proc.RecordLateDrop()
		s.prom.LateDrops.WithLabelValues(ch.Name).Inc()
	}

	recv, err := NewReceiver(groupAddr, ch.Name, int(ch.SamplesPerPacket), chLog)
	if err != nil {
		return nil, err
	}
	recv.OnPacket = func(pkt rtpio.Packet, arrival time.Time) {
		reseq.Arrive(pkt, arrival)
		s.prom.PacketsReceived.WithLabelValues(ch.Name).Inc()
	}
	recv.OnOverflow = func(now time.Time, dropped int) {
		proc.ApplyOverflow(now, 0, int64(dropped)*int64(ch.SamplesPerPacket))
		s.prom.OverflowDrops.WithLabelValues(ch.Name).Inc()
	}
	recv.OnMalformed = func(now time.Time, err error) {
		chLog.Warn().Err(err).Msg("malformed rtp packet")
	}

	return &pipeline{
		ch:       ch,
		receiver: recv,
		reseq:    reseq,
		proc:     proc,
		holder:   holder,
		statusW:  status.NewWriter(s.statusDir, ch.Name),
	}, nil
}

// Run starts every channel's receiver and blocks until ctx is
// cancelled, then drains each channel's reorder buffer and flushes the
// in-progress minute as a short minute (spec §5 "Cancellation
// semantics").
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(s.pipelines))

	for _, p := range s.pipelines {
		wg.Add(1)
		go func(p *pipeline) {
			defer wg.Done()
			if err := p.receiver.Run(ctx); err != nil {
				errs <- err
			}
		}(p)
	}

	<-ctx.Done()
	wg.Wait()

	for _, p := range s.pipelines {
		p.reseq.Flush()
		if err := p.proc.Shutdown(); err != nil {
			s.log.Error().Err(err).Str("channel", p.ch.Name).Msg("shutdown flush failed")
		}
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// onMinuteFlushed updates the per-channel status file and Prometheus
// completeness gauge after each minute hits disk (spec §6).
func (s *Service) onMinuteFlushed(ch config.Channel, m archive.Minute) {
	stats := s.findProc(ch.Name).Stats()

	total := int64(ch.SampleRate) * 60
	zeroFilled := int64(0)
	for _, d := range m.Discontinuities {
		zeroFilled += d.MagnitudeSamples
	}
	completeness := 100.0
	if total > 0 {
		completeness = 100.0 * float64(total-zeroFilled) / float64(total)
	}
	s.prom.CompletenessPct.WithLabelValues(ch.Name).Set(completeness)

	p := s.findPipelineByName(ch.Name)
	var snapStatus *status.TimeSnapStatus
	if snap := p.holder.Load(); snap != nil {
		snapStatus = &status.TimeSnapStatus{
			RTP: snap.RTPAnchor, UTC: snap.UTCAnchor,
			Source: string(snap.Source), Station: string(snap.Station), Confidence: snap.Confidence,
		}
		s.prom.TimeSnapAgeSecs.WithLabelValues(ch.Name).Set(snap.Age(time.Now()).Seconds())
	}

	ntpStatus := s.ntp.Status()
	doc := status.Channel{
		Channel:         ch.Name,
		PacketsReceived: stats.PacketsReceived,
		Duplicates:      stats.Duplicates,
		Gaps:            uint64(len(m.Discontinuities)),
		TotalGapSamples: zeroFilled,
		CompletenessPct: completeness,
		LastPacketAgeS:  time.Since(m.WallClockAtStart).Seconds(),
		TimeSnap:        snapStatus,
		NTP: status.NTPStatus{
			Synced:   ntpStatus.Synchronized,
			OffsetMs: ntpStatus.OffsetMs,
			AgeSecs:  time.Since(ntpStatus.LastUpdate).Seconds(),
		},
		GeneratedAt: time.Now(),
	}
	if err := p.statusW.Write(doc); err != nil {
		s.log.Warn().Err(err).Str("channel", ch.Name).Msg("write status file failed")
	}
}

func (s *Service) findProc(name string) *channel.Processor {
	return s.findPipelineByName(name).proc
}

func (s *Service) findPipelineByName(name string) *pipeline {
	for _, p := range s.pipelines {
		if p.ch.Name == name {
			return p
		}
	}
	return nil
}
