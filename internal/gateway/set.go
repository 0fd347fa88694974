package gateway

import "sync"

// connectionSet tracks every open client for the heartbeat sweep. Unlike the
// session registry it has its own lock: connections come and go on their own
// goroutines, outside the engine's dispatch.
type connectionSet struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
}

func newConnectionSet() *connectionSet {
	return &connectionSet{clients: make(map[*Client]struct{})}
}

func (s *connectionSet) Add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *connectionSet) Remove(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *connectionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// All returns a stable copy so the sweep never holds the lock while writing
// to connections.
func (s *connectionSet) All() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
