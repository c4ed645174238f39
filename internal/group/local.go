package group

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// Local is a participant that talks to the Hub directly. Rank 0 of a networked
// run is a Local over the hub its server exposes; an in-process run uses one
// Local per rank.
type Local struct {
	hub    *Hub
	rank   int
	gather uint64
	bcast  uint64
}

// NewLocal joins hub as rank.
func NewLocal(hub *Hub, rank int) (*Local, error) {
	if rank < 0 || rank >= hub.Size() {
		return nil, fmt.Errorf("%w: rank %d outside group of %d", faults.ErrConfiguration, rank, hub.Size())
	}
	return &Local{hub: hub, rank: rank}, nil
}

// NewLocalGroup returns size participants sharing one fresh hub, indexed by rank.
func NewLocalGroup(size int) []*Local {
	hub := NewHub(size)
	members := make([]*Local, size)
	for r := range members {
		members[r] = &Local{hub: hub, rank: r}
	}
	return members
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.hub.Size() }

func (l *Local) Gather(ctx context.Context) error {
	round := l.gather
	l.gather++
	if err := l.hub.Arrive(round, l.rank); err != nil {
		return err
	}
	if l.rank != 0 {
		return nil
	}
	return l.hub.AwaitGather(ctx, round)
}

func (l *Local) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	round := l.bcast
	l.bcast++
	if l.rank == 0 {
		if err := l.hub.Publish(round, payload); err != nil {
			return nil, err
		}
	}
	return l.hub.Await(ctx, round)
}

func (l *Local) Abort(_ context.Context, cause error) error {
	l.hub.Abort(fmt.Errorf("rank %d: %w", l.rank, cause))
	return nil
}
