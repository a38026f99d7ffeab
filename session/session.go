// Package session coordinates the whole download: tracker rounds, the
// peer candidate pool, live connections and the piece manager.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nictuku/dht"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"marlin/metainfo"
	"marlin/peer"
	"marlin/pieces"
	"marlin/storage"
	"marlin/swarm"
	"marlin/tracker"
)

// State is the session lifecycle.
type State int

const (
	Initializing State = iota
	Leeching
	Seeding
	SessionClosed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Leeching:
		return "leeching"
	case Seeding:
		return "seeding"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// fallbackInterval is used when a tracker reports no interval.
const fallbackInterval = 2 * time.Minute

// Session is the per-download orchestrator. It outlives individual peer
// connections and tracker rounds and tears everything down on Close.
type Session struct {
	cfg  Config
	info *metainfo.Info
	log  zerolog.Logger

	peerID [20]byte

	store     *storage.FileStorage
	manager   *pieces.Manager
	swarm     *swarm.Swarm
	announcer *tracker.Announcer
	pool      *peer.Pool
	limiter   *rate.Limiter
	dht       *dht.DHT

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state State

	closeOnce sync.Once
}

// New builds a session in the Initializing state: storage is opened and
// sized, the piece table is set up, nothing has hit the network yet.
func New(info *metainfo.Info, cfg Config, log zerolog.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.UseTrackers && len(info.Trackers()) == 0 {
		return nil, fmt.Errorf("torrent lists no trackers; enable dht or fix the metainfo")
	}

	store, err := storage.NewFileStorage(info, cfg.DownloadPath)
	if err != nil {
		return nil, err
	}

	slog := log.With().Str("torrent", info.Name).Logger()
	client := tracker.NewClient(slog)
	client.HTTPTimeout = cfg.TrackerHTTPTimeout
	client.UDPTimeout = cfg.TrackerUDPTimeout
	client.UDPRetries = cfg.TrackerUDPRetries
	client.UDPBackoff = cfg.TrackerUDPBackoff

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		info:      info,
		log:       slog,
		peerID:    peer.GenerateID(),
		store:     store,
		swarm:     swarm.New(),
		pool:      peer.NewPool(),
		limiter:   rate.NewLimiter(cfg.DialRate, cfg.DialBurst),
		announcer: tracker.NewAnnouncer(client, info.Trackers(), cfg.DesiredSuccessfulTrackers, slog),
		ctx:       ctx,
		cancel:    cancel,
		state:     Initializing,
	}
	s.manager = pieces.NewManager(info, cfg.BlockSize, store, slog)
	return s, nil
}

// State reports the session lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Progress returns bytes downloaded, bytes uploaded, pieces complete,
// pieces total and the number of live peer connections.
func (s *Session) Progress() (int64, int64, int, int, int) {
	down, up, complete, total := s.manager.Progress()
	return down, up, complete, total, s.swarm.Len()
}

func (s *Session) announceReq(event tracker.Event) tracker.Announce {
	down, up, _, _ := s.manager.Progress()
	return tracker.Announce{
		InfoHash:   s.info.InfoHash,
		PeerID:     s.peerID,
		Port:       s.cfg.Port,
		Uploaded:   up,
		Downloaded: down,
		Left:       int64(s.info.TotalLength) - s.manager.BytesCompleted(),
		Event:      event,
	}
}

// Run drives the session until the download completes (or, when
// seeding, until the context or Close ends it). Individual tracker and
// peer failures never abort the run; it fails only when no peer source
// can make progress.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if s.cfg.UseDHT {
		if err := s.discoverDHT(runCtx); err != nil {
			s.log.Warn().Err(err).Msg("dht startup failed, continuing with trackers only")
		}
	}
	if s.cfg.ShowProgress {
		s.startProgress(runCtx)
	}

	interval := fallbackInterval
	if s.cfg.UseTrackers {
		round, err := s.announcer.Round(runCtx, s.announceReq(tracker.EventStarted))
		if err != nil {
			if !s.cfg.UseDHT {
				return fmt.Errorf("initial announce: %w", err)
			}
			s.log.Warn().Err(err).Msg("initial announce failed, relying on dht")
		} else {
			s.pool.Add("tracker", round.Peers)
			if round.Interval > 0 {
				interval = round.Interval
			}
			s.log.Info().Int("peers", len(round.Peers)).Dur("interval", round.Interval).Msg("announce round done")
		}
	}

	s.setState(Leeching)

	reannounce := time.NewTimer(interval)
	defer reannounce.Stop()
	dialTick := time.NewTicker(time.Second)
	defer dialTick.Stop()

	starved := 0
	for {
		s.maintainConns(runCtx)

		select {
		case <-runCtx.Done():
			return nil
		case <-s.manager.DoneChan():
			return s.finish(runCtx)
		case <-reannounce.C:
			interval = s.reannounce(runCtx, interval)
			reannounce.Reset(interval)
		case <-dialTick.C:
			// A dry pool with no live connections cannot make
			// progress; re-announce ahead of the interval, and give
			// up once that stops helping.
			if s.pool.Len() == 0 && s.swarm.Len() == 0 {
				starved++
				if starved > 3 {
					return fmt.Errorf("no trackers reachable and no peers left")
				}
				interval = s.reannounce(runCtx, interval)
				reannounce.Reset(interval)
			} else {
				starved = 0
			}
		}
	}
}

func (s *Session) reannounce(ctx context.Context, current time.Duration) time.Duration {
	if !s.cfg.UseTrackers {
		return current
	}
	round, err := s.announcer.Round(ctx, s.announceReq(tracker.EventNone))
	if err != nil {
		s.log.Warn().Err(err).Msg("announce round failed")
		return current
	}
	s.pool.Add("tracker", round.Peers)
	if round.Interval > 0 {
		return round.Interval
	}
	return current
}

// maintainConns replaces failed or closed connections from the
// candidate pool, up to the configured concurrency limit. Dials are
// paced by the rate limiter.
func (s *Session) maintainConns(ctx context.Context) {
	want := s.cfg.MaxPeers - s.swarm.Len()
	if want <= 0 {
		return
	}
	for _, rec := range s.pool.Next(want) {
		if s.swarm.Contains(rec.Peer.String()) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		rec := rec
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dial(rec)
		}()
	}
}

func (s *Session) dial(rec peer.Record) {
	_, err := swarm.Dial(
		rec.Peer,
		s.info.InfoHash,
		s.peerID,
		s.manager,
		s.store,
		s.swarm,
		swarm.Config{
			KeepAliveInterval: s.cfg.KeepAliveInterval,
			InactivityTimeout: s.cfg.InactivityTimeout,
			PipelineDepth:     s.cfg.PipelineDepth,
			OnPort:            s.onPeerPort,
		},
		s.log,
		func(c *swarm.Conn, err error) {
			if err != nil {
				s.log.Debug().Err(err).Str("peer", c.ID()).Msg("connection ended")
			}
		},
	)
	if err != nil {
		s.log.Debug().Err(err).Str("peer", rec.Peer.String()).Msg("dial failed")
		s.pool.Forget(rec.Peer)
	}
}

// onPeerPort feeds a peer's advertised DHT node into the routing table.
func (s *Session) onPeerPort(p peer.Peer) {
	s.mu.Lock()
	node := s.dht
	s.mu.Unlock()
	if node != nil {
		node.AddNode(p.String())
	}
}

// finish handles completion: announce it, then either stop or stay
// around serving uploads.
func (s *Session) finish(ctx context.Context) error {
	s.log.Info().Msg("download complete")
	if s.cfg.UseTrackers {
		if _, err := s.announcer.Round(ctx, s.announceReq(tracker.EventCompleted)); err != nil {
			s.log.Debug().Err(err).Msg("completed announce failed")
		}
	}
	if !s.cfg.Seed {
		return nil
	}

	s.setState(Seeding)
	s.log.Info().Msg("seeding")
	<-ctx.Done()
	return nil
}

// Close tears down all peer connections and cancels in-flight tracker
// requests. Idempotent; the session is unusable afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.swarm.CloseAll()
		s.wg.Wait()

		if s.cfg.UseTrackers {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.announcer.AnnounceStopped(ctx, s.announceReq(tracker.EventStopped))
			cancel()
		}

		if err := s.store.Close(); err != nil {
			s.log.Error().Err(err).Msg("closing storage")
		}
		s.setState(SessionClosed)
	})
}
