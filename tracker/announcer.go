package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marlin/peer"
)

// Announcer runs announce rounds against a whole tracker list. A round
// succeeds once Desired distinct trackers have responded; trackers
// still pending at that point are abandoned for the round.
type Announcer struct {
	Client   *Client
	Trackers []string
	Desired  int

	Log zerolog.Logger

	mu        sync.Mutex
	responded map[string]struct{}
}

// RoundResult is the merged outcome of one announce round.
type RoundResult struct {
	Peers     []peer.Peer
	Interval  time.Duration
	Responded []string
}

func NewAnnouncer(client *Client, trackers []string, desired int, log zerolog.Logger) *Announcer {
	if desired < 1 {
		desired = 1
	}
	if desired > len(trackers) {
		desired = len(trackers)
	}
	return &Announcer{
		Client:    client,
		Trackers:  trackers,
		Desired:   desired,
		Log:       log.With().Str("component", "announcer").Logger(),
		responded: make(map[string]struct{}),
	}
}

// Round announces to every tracker concurrently and returns once the
// desired number of distinct trackers responded, or all are exhausted.
// Results are merged into a single deduplicated peer list; the shortest
// reported interval wins.
func (a *Announcer) Round(ctx context.Context, req Announce) (*RoundResult, error) {
	if len(a.Trackers) == 0 {
		return nil, fmt.Errorf("no trackers to announce to")
	}

	roundCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan *Result, len(a.Trackers))
	g, gctx := errgroup.WithContext(roundCtx)
	for _, trackerURL := range a.Trackers {
		trackerURL := trackerURL
		g.Go(func() error {
			res, err := a.Client.Announce(gctx, trackerURL, req)
			if err != nil {
				a.Log.Debug().Err(err).Msg("tracker failed")
				return nil // tracker failures do not abort the round
			}
			results <- res
			return nil
		})
	}
	go func() {
		g.Wait()
		close(results)
	}()

	seen := make(map[string]peer.Peer)
	round := &RoundResult{}
	for res := range results {
		for _, p := range res.Peers {
			seen[p.String()] = p
		}
		if round.Interval == 0 || (res.Interval > 0 && res.Interval < round.Interval) {
			round.Interval = res.Interval
		}
		round.Responded = append(round.Responded, res.Tracker)

		if len(round.Responded) >= a.Desired {
			cancel() // abandon pending trackers for this round
			break
		}
	}

	if len(round.Responded) == 0 {
		return nil, fmt.Errorf("announce round failed: none of %d trackers responded", len(a.Trackers))
	}

	a.mu.Lock()
	for _, t := range round.Responded {
		a.responded[t] = struct{}{}
	}
	a.mu.Unlock()

	round.Peers = make([]peer.Peer, 0, len(seen))
	for _, p := range seen {
		round.Peers = append(round.Peers, p)
	}
	return round, nil
}

// AnnounceStopped tells every tracker that ever responded that we are
// leaving the swarm. Best effort; errors only get logged.
func (a *Announcer) AnnounceStopped(ctx context.Context, req Announce) {
	req.Event = EventStopped

	a.mu.Lock()
	trackers := make([]string, 0, len(a.responded))
	for t := range a.responded {
		trackers = append(trackers, t)
	}
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, trackerURL := range trackers {
		trackerURL := trackerURL
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Client.Announce(ctx, trackerURL, req); err != nil {
				a.Log.Debug().Err(err).Msg("stopped announce failed")
			}
		}()
	}
	wg.Wait()
}
