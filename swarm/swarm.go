// Package swarm drives peer wire-protocol connections. Each connection
// runs as its own goroutine; the set of live connections is tracked in
// a Swarm so block cancellations and have announcements can be routed
// across peers.
package swarm

import (
	"sync"

	"marlin/wire"
)

// Swarm is the registry of live connections.
type Swarm struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func New() *Swarm {
	return &Swarm{conns: make(map[string]*Conn)}
}

func (s *Swarm) add(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; ok {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Swarm) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
	}
}

// Len is the number of live connections.
func (s *Swarm) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Contains reports whether a connection to addr is live.
func (s *Swarm) Contains(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[addr]
	return ok
}

// Cancel withdraws an in-flight request on the named connection, if it
// is still alive. Used to cut duplicate endgame requests.
func (s *Swarm) Cancel(connID string, req wire.Request) {
	s.mu.Lock()
	c := s.conns[connID]
	s.mu.Unlock()
	if c != nil {
		c.cancelRequest(req)
	}
}

// BroadcastHave announces a freshly completed piece on every live
// connection.
func (s *Swarm) BroadcastHave(index int) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.sendHave(index)
	}
}

// CloseAll tears down every connection and waits for their goroutines
// to drain.
func (s *Swarm) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		<-c.done
	}
}
