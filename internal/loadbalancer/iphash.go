package loadbalancer

import (
	"math/rand"

	"github.com/cespare/xxhash/v2"
)

// IPHash pins each client IP to a backend for sticky sessions. The mapping
// rehashes whenever the healthy set changes size.
type IPHash struct {
	baseBalancer
}

// NewIPHash creates an IP hash balancer.
func NewIPHash(backends []*Backend) *IPHash {
	ih := &IPHash{}
	ih.init(backends)
	return ih
}

// Next returns the backend the client IP hashes to over the healthy subset.
func (ih *IPHash) Next(clientIP string) *Backend {
	ih.mu.RLock()
	healthy := ih.healthyBackends()
	ih.mu.RUnlock()

	if len(healthy) == 0 {
		return nil
	}

	h := xxhash.Sum64String(clientIP)
	return healthy[h%uint64(len(healthy))]
}

// Random selects uniformly over the healthy subset.
type Random struct {
	baseBalancer
}

// NewRandom creates a random balancer.
func NewRandom(backends []*Backend) *Random {
	r := &Random{}
	r.init(backends)
	return r
}

// Next returns a uniformly random healthy backend.
func (r *Random) Next(string) *Backend {
	r.mu.RLock()
	healthy := r.healthyBackends()
	r.mu.RUnlock()

	if len(healthy) == 0 {
		return nil
	}
	return healthy[rand.Intn(len(healthy))]
}
