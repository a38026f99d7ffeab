package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"marlin/metainfo"
	"marlin/session"
)

func main() {
	cfg := session.DefaultConfig

	flag.StringVar(&cfg.DownloadPath, "out", cfg.DownloadPath, "directory to download into")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	flag.IntVar(&cfg.DesiredSuccessfulTrackers, "trackers", cfg.DesiredSuccessfulTrackers, "successful tracker responses per announce round")
	flag.DurationVar(&cfg.TrackerHTTPTimeout, "http-timeout", cfg.TrackerHTTPTimeout, "http tracker timeout")
	flag.DurationVar(&cfg.TrackerUDPTimeout, "udp-timeout", cfg.TrackerUDPTimeout, "udp tracker timeout")
	flag.IntVar(&cfg.TrackerUDPRetries, "udp-retries", cfg.TrackerUDPRetries, "udp tracker retries")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "peer connection limit")
	flag.IntVar(&cfg.PipelineDepth, "pipeline", cfg.PipelineDepth, "outstanding block requests per peer")
	flag.BoolVar(&cfg.Seed, "seed", cfg.Seed, "keep seeding after the download completes")
	flag.BoolVar(&cfg.UseDHT, "dht", cfg.UseDHT, "also discover peers via dht")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <torrent file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if cfg.ShowProgress {
		// The progress bar owns the terminal; keep the log quiet.
		level = zerolog.WarnLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()

	info, err := metainfo.Load(flag.Arg(0))
	if err != nil {
		log.Fatal().Err(err).Msg("parsing torrent file")
	}
	log.Info().
		Str("name", info.Name).
		Int("pieces", info.NumPieces()).
		Int("bytes", info.TotalLength).
		Msg("loaded torrent")

	s, err := session.New(info, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		s.Close()
		log.Fatal().Err(err).Msg("download failed")
	}
	s.Close()
}
