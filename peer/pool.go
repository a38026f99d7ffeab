package peer

import (
	"sync"
	"time"
)

// Record is one candidate handed out by a peer source.
type Record struct {
	Peer     Peer
	Source   string
	LastSeen time.Time
}

// Pool is the deduplicated candidate pool the orchestrator draws
// replacement connections from. Records are keyed by address and
// superseded each announce cycle; handing a candidate out removes it
// until a later announce re-adds it.
type Pool struct {
	mu         sync.Mutex
	candidates map[string]Record
	dead       map[string]time.Time
}

// deadFor is how long an unreachable address stays quarantined before a
// tracker may re-introduce it.
const deadFor = 15 * time.Minute

func NewPool() *Pool {
	return &Pool{
		candidates: make(map[string]Record),
		dead:       make(map[string]time.Time),
	}
}

// Add merges peers from a source into the pool, skipping addresses
// recently reported unreachable.
func (p *Pool) Add(source string, peers []Peer) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range peers {
		addr := pr.String()
		if until, ok := p.dead[addr]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.dead, addr)
		}
		p.candidates[addr] = Record{Peer: pr, Source: source, LastSeen: now}
	}
}

// Next hands out up to n candidates, removing them from the pool.
func (p *Pool) Next(n int) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, n)
	for addr, rec := range p.candidates {
		if len(out) == n {
			break
		}
		out = append(out, rec)
		delete(p.candidates, addr)
	}
	return out
}

// Forget quarantines an address that turned out to be unreachable.
func (p *Pool) Forget(pr Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	addr := pr.String()
	delete(p.candidates, addr)
	p.dead[addr] = time.Now().Add(deadFor)
}

// Len is the number of candidates currently available.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}
