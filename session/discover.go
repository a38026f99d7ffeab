package session

import (
	"context"
	"time"

	"github.com/nictuku/dht"

	"marlin/peer"
)

// discoverDHT starts the optional DHT peer source. It only ever feeds
// addresses into the candidate pool; all wire traffic stays with the
// tracker-supplied machinery.
func (s *Session) discoverDHT(ctx context.Context) error {
	node, err := dht.New(nil)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.dht = node
	s.mu.Unlock()

	ih := string(s.info.InfoHash[:])

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.drainDHT(ctx, node)
	}()
	go func() {
		defer s.wg.Done()
		for {
			node.PeersRequest(ih, false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(15 * time.Second):
			}
		}
	}()
	return nil
}

func (s *Session) drainDHT(ctx context.Context, node *dht.DHT) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-node.PeersRequestResults:
			if !ok {
				return
			}
			var found []peer.Peer
			for _, addrs := range batch {
				for _, compact := range addrs {
					p, err := peer.FromAddr(dht.DecodePeerAddress(compact))
					if err != nil {
						continue
					}
					found = append(found, p)
				}
			}
			if len(found) > 0 {
				s.log.Debug().Int("peers", len(found)).Msg("dht peers found")
				s.pool.Add("dht", found)
			}
		}
	}
}
