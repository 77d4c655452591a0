package loadbalance

import (
	"sync/atomic"
)

// RoundRobinBalancer distributes calls evenly across all connections in order.
// Uses an atomic counter for lock-free, goroutine-safe operation. Unhealthy
// members are still picked; the client redials them on the spot.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // incremented on each Pick()
}

// Pick selects the next connection in round-robin order.
func (b *RoundRobinBalancer) Pick(members []Member) (int, error) {
	if len(members) == 0 {
		return 0, ErrNoMembers
	}
	n := b.counter.Add(1) - 1
	return members[n%uint64(len(members))].Index, nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
