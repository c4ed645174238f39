// Package partition assigns training instances to ranks and keeps every rank on
// the same per-epoch instance order.
package partition

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region assign

// Owner returns the rank that processes position i of an epoch order.
func Owner(i, worldSize int) int {
	return i % worldSize
}

// Owned returns, in order, the instance ids at the positions of order owned by rank.
// Across all ranks the results are disjoint and cover order exactly once.
func Owned(order []int, rank, worldSize int) []int {
	owned := make([]int, 0, len(order)/worldSize+1)
	for i, id := range order {
		if Owner(i, worldSize) == rank {
			owned = append(owned, id)
		}
	}
	return owned
}

// Window returns the first limit entries of order; limit <= 0 keeps everything.
func Window(order []int, limit int) []int {
	if limit <= 0 || limit >= len(order) {
		return order
	}
	return order[:limit]
}

// Identity returns 0..n-1.
func Identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// #endregion assign

// #region planner

// Broadcaster publishes rank 0's payload to every rank.
type Broadcaster interface {
	Rank() int
	Broadcast(ctx context.Context, payload []byte) ([]byte, error)
}

// Planner produces the instance order for each epoch. Only rank 0's planner
// shuffles; the others adopt whatever rank 0 broadcasts.
type Planner struct {
	shuffle bool
	order   []int
	rng     *rand.Rand
}

// NewPlanner creates a planner over n instances.
func NewPlanner(n int, shuffle bool, seed int64) *Planner {
	return &Planner{
		shuffle: shuffle,
		order:   Identity(n),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Skip advances the planner past epochs already trained, so a resumed run
// draws the same orders as one that never stopped.
func (p *Planner) Skip(epochs int) {
	for e := 0; e < epochs; e++ {
		p.shuffleOrder()
	}
}

func (p *Planner) shuffleOrder() {
	if !p.shuffle {
		return
	}
	p.rng.Shuffle(len(p.order), func(i, j int) {
		p.order[i], p.order[j] = p.order[j], p.order[i]
	})
}

// Next returns the order for the coming epoch. Every rank must call it once
// per epoch, since it is a collective broadcast.
func (p *Planner) Next(ctx context.Context, b Broadcaster) ([]int, error) {
	var payload []byte
	if b.Rank() == 0 {
		p.shuffleOrder()
		var err error
		payload, err = json.Marshal(p.order)
		if err != nil {
			return nil, fmt.Errorf("encode order: %w", err)
		}
	}

	got, err := b.Broadcast(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("broadcast order: %w", err)
	}
	order, err := DecodeOrder(got, len(p.order))
	if err != nil {
		return nil, err
	}
	p.order = order
	return append([]int(nil), order...), nil
}

// DecodeOrder parses a broadcast order and checks it is a permutation of 0..n-1.
func DecodeOrder(payload []byte, n int) ([]int, error) {
	var order []int
	if err := json.Unmarshal(payload, &order); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", faults.ErrData, err)
	}
	if len(order) != n {
		return nil, fmt.Errorf("%w: order has %d entries, expected %d", faults.ErrData, len(order), n)
	}
	seen := make([]bool, n)
	for _, id := range order {
		if id < 0 || id >= n || seen[id] {
			return nil, fmt.Errorf("%w: order is not a permutation (index %d)", faults.ErrData, id)
		}
		seen[id] = true
	}
	return order, nil
}

// #endregion planner
