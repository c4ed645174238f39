package partition

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region helpers
type shared struct {
	payload []byte
}

type fakeBroadcaster struct {
	rank int
	box  *shared
}

func (f fakeBroadcaster) Rank() int { return f.rank }

func (f fakeBroadcaster) Broadcast(_ context.Context, payload []byte) ([]byte, error) {
	if f.rank == 0 {
		f.box.payload = payload
	}
	return f.box.payload, nil
}

// #endregion helpers

// #region assign-tests
func TestOwnedSevenOverThree(t *testing.T) {
	order := Identity(7)
	want := map[int][]int{
		0: {0, 3, 6},
		1: {1, 4},
		2: {2, 5},
	}
	var all []int
	for rank := 0; rank < 3; rank++ {
		got := Owned(order, rank, 3)
		if !reflect.DeepEqual(got, want[rank]) {
			t.Errorf("rank %d: expected %v, got %v", rank, want[rank], got)
		}
		all = append(all, got...)
	}
	sort.Ints(all)
	if !reflect.DeepEqual(all, order) {
		t.Fatalf("union does not cover every index exactly once: %v", all)
	}
}

func TestOwnedFollowsOrderPositions(t *testing.T) {
	order := []int{4, 2, 0, 3, 1}
	if got := Owned(order, 0, 2); !reflect.DeepEqual(got, []int{4, 0, 1}) {
		t.Fatalf("unexpected rank 0 share: %v", got)
	}
	if got := Owned(order, 1, 2); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("unexpected rank 1 share: %v", got)
	}
}

func TestWindow(t *testing.T) {
	order := Identity(5)
	if got := Window(order, 0); len(got) != 5 {
		t.Errorf("limit 0 should keep all, got %d", len(got))
	}
	if got := Window(order, 2); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("expected [0 1], got %v", got)
	}
	if got := Window(order, 9); len(got) != 5 {
		t.Errorf("limit beyond length should keep all, got %d", len(got))
	}
}

// #endregion assign-tests

// #region planner-tests
func TestPlannerNoShuffleKeepsIdentity(t *testing.T) {
	box := &shared{}
	p := NewPlanner(6, false, 1)
	for epoch := 0; epoch < 3; epoch++ {
		got, err := p.Next(context.Background(), fakeBroadcaster{rank: 0, box: box})
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !reflect.DeepEqual(got, Identity(6)) {
			t.Fatalf("epoch %d: expected identity, got %v", epoch, got)
		}
	}
}

func TestPlannerShuffleSharedAcrossRanks(t *testing.T) {
	box := &shared{}
	root := NewPlanner(50, true, 42)
	// a differently seeded worker must still adopt rank 0's order
	worker := NewPlanner(50, true, 7)

	for epoch := 0; epoch < 3; epoch++ {
		a, err := root.Next(context.Background(), fakeBroadcaster{rank: 0, box: box})
		if err != nil {
			t.Fatalf("root Next: %v", err)
		}
		b, err := worker.Next(context.Background(), fakeBroadcaster{rank: 1, box: box})
		if err != nil {
			t.Fatalf("worker Next: %v", err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("epoch %d: ranks disagree on order", epoch)
		}
		sorted := append([]int(nil), a...)
		sort.Ints(sorted)
		if !reflect.DeepEqual(sorted, Identity(50)) {
			t.Fatalf("epoch %d: not a permutation", epoch)
		}
	}
}

func TestPlannerSkipContinuesSequence(t *testing.T) {
	ctx := context.Background()
	straight := NewPlanner(20, true, 9)
	var want []int
	for epoch := 0; epoch < 4; epoch++ {
		var err error
		if want, err = straight.Next(ctx, fakeBroadcaster{rank: 0, box: &shared{}}); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	resumed := NewPlanner(20, true, 9)
	resumed.Skip(3)
	got, err := resumed.Next(ctx, fakeBroadcaster{rank: 0, box: &shared{}})
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resumed epoch 3 order %v, uninterrupted %v", got, want)
	}

	fixed := NewPlanner(5, false, 9)
	fixed.Skip(3)
	if got, _ := fixed.Next(ctx, fakeBroadcaster{rank: 0, box: &shared{}}); !reflect.DeepEqual(got, Identity(5)) {
		t.Fatalf("skip reordered an unshuffled planner: %v", got)
	}
}

func TestDecodeOrderRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":  `nope`,
		"short":     `[0,1]`,
		"duplicate": `[0,0,1]`,
		"range":     `[0,1,3]`,
	}
	for name, payload := range cases {
		if _, err := DecodeOrder([]byte(payload), 3); !errors.Is(err, faults.ErrData) {
			t.Errorf("%s: expected ErrData, got %v", name, err)
		}
	}
}

// #endregion planner-tests
