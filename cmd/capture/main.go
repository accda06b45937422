// Command capture is the stage-A entry point of spec §6: one process
// joining every configured channel's multicast group, resequencing and
// minute-archiving its RTP stream, until SIGTERM/SIGINT.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/n0ise-hf/wwvhf-capture/internal/capture"
	"github.com/n0ise-hf/wwvhf-capture/internal/config"
	"github.com/n0ise-hf/wwvhf-capture/internal/metrics"
	"github.com/n0ise-hf/wwvhf-capture/internal/ntpmon"
	"github.com/n0ise-hf/wwvhf-capture/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to the channel table YAML (spec §6)")
	statusDir := flag.String("status-dir", "", "directory for per-channel status JSON (defaults to <data_root>/status)")
	httpAddr := flag.String("http-addr", ":9100", "address for /status/{channel} and /metrics (empty disables)")
	flag.Parse()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(lev).With().Timestamp().Logger()

	if *configPath == "" {
		log.Fatal().Msg("capture: --config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Configuration error is fatal before any socket is opened (spec §7).
		log.Fatal().Err(err).Msg("capture: configuration error")
	}

	dir := *statusDir
	if dir == "" {
		dir = cfg.DataRoot + "/status"
	}

	reg := prometheus.NewRegistry()
	prom := metrics.NewProm(reg)

	ntp := ntpmon.New(ntpmon.ChronyQuerier{}, log.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ntp.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("capture: starting NTP monitor")
	}

	svc, err := capture.NewService(cfg, prom, ntp, dir, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("capture: building service")
	}

	if *httpAddr != "" {
		srv := &status.Server{Dir: dir, Registry: reg}
		r := mux.NewRouter()
		srv.MountRoutes(r)
		httpSrv := &http.Server{Addr: *httpAddr, Handler: r}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("capture: status http server")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = httpSrv.Close()
		}()
	}

	log.Info().Int("channels", len(cfg.Channels)).Msg("capture: starting")
	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("capture: fatal I/O error")
	}
	log.Info().Msg("capture: shut down cleanly")
}
