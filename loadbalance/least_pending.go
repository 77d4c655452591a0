package loadbalance

import "sync/atomic"

// LeastPendingBalancer picks the connection with the fewest outstanding
// requests. An unopened or dead connection counts as idle but loses ties to
// an open one, so the pool only grows once every open connection is busy.
// Ties between equals rotate.
type LeastPendingBalancer struct {
	counter atomic.Uint64
}

func (b *LeastPendingBalancer) Pick(members []Member) (int, error) {
	if len(members) == 0 {
		return 0, ErrNoMembers
	}
	n := len(members)
	best := int((b.counter.Add(1) - 1) % uint64(n))
	start := best
	for i := 1; i < n; i++ {
		j := (start + i) % n
		if lessLoaded(members[j], members[best]) {
			best = j
		}
	}
	return members[best].Index, nil
}

func (b *LeastPendingBalancer) Name() string {
	return "LeastPending"
}

func lessLoaded(a, b Member) bool {
	if a.Pending != b.Pending {
		return a.Pending < b.Pending
	}
	return a.Healthy && !b.Healthy
}
