package group

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// retainedBroadcasts is how many past broadcast rounds stay readable for
// receivers that retry after a lost response.
const retainedBroadcasts = 16

// #region hub

type gatherRound struct {
	arrived map[int]struct{}
	done    chan struct{}
}

type broadcastRound struct {
	payload []byte
	ready   chan struct{}
}

// Hub holds the rendezvous state of one group. It lives in rank 0's process
// and is shared by the local participants and the gRPC server.
type Hub struct {
	size int

	mu           sync.Mutex
	gathers      map[uint64]*gatherRound
	gatherFloor  uint64 // every round below is complete
	broadcasts   map[uint64]*broadcastRound
	publishFloor uint64 // rounds below were retired
	aborted      chan struct{}
	cause        error
}

// NewHub creates the rendezvous state for size participants.
func NewHub(size int) *Hub {
	return &Hub{
		size:       size,
		gathers:    make(map[uint64]*gatherRound),
		broadcasts: make(map[uint64]*broadcastRound),
		aborted:    make(chan struct{}),
	}
}

// Size returns the number of participants.
func (h *Hub) Size() int {
	return h.size
}

// #endregion hub

// #region gather

func (h *Hub) gatherRound(round uint64) *gatherRound {
	r, ok := h.gathers[round]
	if !ok {
		r = &gatherRound{arrived: make(map[int]struct{}), done: make(chan struct{})}
		h.gathers[round] = r
	}
	return r
}

// Arrive records rank's signal for round. Repeated signals are ignored.
func (h *Hub) Arrive(round uint64, rank int) error {
	if rank < 0 || rank >= h.size {
		return fmt.Errorf("%w: rank %d outside group of %d", faults.ErrConfiguration, rank, h.size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.abortErrLocked(); err != nil {
		return err
	}
	if round < h.gatherFloor {
		return nil
	}
	r := h.gatherRound(round)
	if _, dup := r.arrived[rank]; dup {
		return nil
	}
	r.arrived[rank] = struct{}{}
	if len(r.arrived) == h.size {
		close(r.done)
	}
	return nil
}

// AwaitGather blocks until every rank arrived for round.
func (h *Hub) AwaitGather(ctx context.Context, round uint64) error {
	h.mu.Lock()
	if round < h.gatherFloor {
		h.mu.Unlock()
		return nil
	}
	r := h.gatherRound(round)
	h.mu.Unlock()

	select {
	case <-r.done:
		h.mu.Lock()
		delete(h.gathers, round)
		if round+1 > h.gatherFloor {
			h.gatherFloor = round + 1
		}
		h.mu.Unlock()
		return nil
	case <-h.aborted:
		return h.abortErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion gather

// #region broadcast

func (h *Hub) broadcastRound(round uint64) *broadcastRound {
	r, ok := h.broadcasts[round]
	if !ok {
		r = &broadcastRound{ready: make(chan struct{})}
		h.broadcasts[round] = r
	}
	return r
}

// Publish makes payload the result of round. Publishing a round twice keeps the first payload.
func (h *Hub) Publish(round uint64, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.abortErrLocked(); err != nil {
		return err
	}
	r := h.broadcastRound(round)
	select {
	case <-r.ready:
		return nil
	default:
	}
	r.payload = append([]byte(nil), payload...)
	close(r.ready)

	if round >= retainedBroadcasts {
		floor := round - retainedBroadcasts
		for old := range h.broadcasts {
			if old < floor {
				delete(h.broadcasts, old)
			}
		}
		if floor > h.publishFloor {
			h.publishFloor = floor
		}
	}
	return nil
}

// Await blocks until round is published and returns its payload.
func (h *Hub) Await(ctx context.Context, round uint64) ([]byte, error) {
	h.mu.Lock()
	if round < h.publishFloor {
		h.mu.Unlock()
		return nil, fmt.Errorf("broadcast round %d already retired", round)
	}
	r := h.broadcastRound(round)
	h.mu.Unlock()

	select {
	case <-r.ready:
		return r.payload, nil
	case <-h.aborted:
		return nil, h.abortErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// #endregion broadcast

// #region abort

// Abort wakes every waiter with faults.ErrAborted. Only the first cause is kept.
func (h *Hub) Abort(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.aborted:
		return
	default:
	}
	h.cause = cause
	close(h.aborted)
	log.Printf("[GROUP] run aborted: %v", cause)
}

// Err returns the abort error once the run was aborted, nil before.
func (h *Hub) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortErrLocked()
}

func (h *Hub) abortErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abortErrLocked()
}

func (h *Hub) abortErrLocked() error {
	select {
	case <-h.aborted:
		return fmt.Errorf("%w: %v", faults.ErrAborted, h.cause)
	default:
		return nil
	}
}

// #endregion abort
