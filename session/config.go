package session

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config is the recognized configuration surface of a download session.
type Config struct {
	DownloadPath string
	Debug        bool
	Port         uint16

	DesiredSuccessfulTrackers int
	TrackerHTTPTimeout        time.Duration
	TrackerUDPTimeout         time.Duration
	TrackerUDPRetries         int
	TrackerUDPBackoff         time.Duration

	MaxPeers      int
	PipelineDepth int
	BlockSize     int

	KeepAliveInterval time.Duration
	InactivityTimeout time.Duration

	// DialRate paces outbound connection attempts.
	DialRate  rate.Limit
	DialBurst int

	Seed         bool
	UseTrackers  bool
	UseDHT       bool
	ShowProgress bool
}

var DefaultConfig = Config{
	DownloadPath:              ".",
	Port:                      6881,
	DesiredSuccessfulTrackers: 1,
	TrackerHTTPTimeout:        15 * time.Second,
	TrackerUDPTimeout:         15 * time.Second,
	TrackerUDPRetries:         3,
	TrackerUDPBackoff:         time.Second,
	MaxPeers:                  30,
	PipelineDepth:             5,
	BlockSize:                 16 * 1024,
	KeepAliveInterval:         60 * time.Second,
	InactivityTimeout:         2 * time.Minute,
	DialRate:                  rate.Limit(10),
	DialBurst:                 10,
	UseTrackers:               true,
	UseDHT:                    false,
	ShowProgress:              true,
}

func (cfg *Config) validate() error {
	if !cfg.UseTrackers && !cfg.UseDHT {
		return fmt.Errorf("enable tracker or dht peer discovery")
	}
	if cfg.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive")
	}
	if cfg.DesiredSuccessfulTrackers <= 0 {
		return fmt.Errorf("desired successful trackers must be positive")
	}
	return nil
}
