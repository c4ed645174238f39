// Package group provides the collective operations that keep training ranks in
// step: a gather barrier toward rank 0, a broadcast from rank 0, and a run-wide
// abort.
//
// Every participant issues the same sequence of collective calls, so each
// participant numbers its own rounds and the numbers line up across ranks.
package group

import "context"

// Group is one participant's view of the training group.
type Group interface {
	Rank() int
	Size() int

	// Gather signals that this rank finished the current phase. Rank 0 returns
	// only after every rank signalled; other ranks return once recorded.
	Gather(ctx context.Context) error

	// Broadcast returns rank 0's payload on every rank. The payload argument is
	// ignored on other ranks, which block until rank 0 published.
	Broadcast(ctx context.Context, payload []byte) ([]byte, error)

	// Abort fails the whole run: blocked and future calls on every rank return
	// faults.ErrAborted.
	Abort(ctx context.Context, cause error) error
}
