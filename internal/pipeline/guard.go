package pipeline

import "sync"

// locationGuard admits one in-flight cycle per location. Late triggers are
// rejected, not queued.
type locationGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newLocationGuard() *locationGuard {
	return &locationGuard{running: make(map[string]struct{})}
}

func (g *locationGuard) tryAcquire(location string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[location]; busy {
		return false
	}
	g.running[location] = struct{}{}
	return true
}

func (g *locationGuard) release(location string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, location)
}

func (g *locationGuard) busy(location string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[location]
	return ok
}
