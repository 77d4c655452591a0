// Package loadbalance picks which multiplexed connection of a client pool
// carries the next call.
//
// Two strategies are implemented:
//   - RoundRobin:   equal spread, ignores load
//   - LeastPending: fewest outstanding requests, favours connections whose
//     server-side handlers finish quickly
package loadbalance

import "errors"

// ErrNoMembers is returned when the pool is empty.
var ErrNoMembers = errors.New("loadbalance: no connections available")

// Member is a snapshot of one pooled connection at pick time.
type Member struct {
	Index   int  // position in the pool
	Pending int  // requests awaiting a response
	Healthy bool // connected and alive; false means it must be (re)dialled
}

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each RPC to select a connection.
type Balancer interface {
	// Pick returns the Index of the chosen member.
	// Called on every RPC call; must be goroutine-safe.
	Pick(members []Member) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, RoundRobin for "".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "least_pending", "LeastPending":
		return &LeastPendingBalancer{}, nil
	default:
		return nil, errors.New("loadbalance: unknown strategy " + name)
	}
}
