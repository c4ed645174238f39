package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/retry"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

var fastRetry = retry.Policy{Attempts: 3, Backoff: time.Millisecond}

func tempDB(t *testing.T) *SQLiteArtifacts {
	t.Helper()
	dir := t.TempDir()
	a, err := OpenSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func workerState(local, sum map[string]float64) perceptron.WorkerState {
	return perceptron.WorkerState{Local: svector.FromMap(local), Sum: svector.FromMap(sum)}
}

// #region artifact-tests
func TestArtifactsPutGetDelete(t *testing.T) {
	ctx := context.Background()
	a := tempDB(t)

	if _, ok, err := a.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing artifact, got ok=%v err=%v", ok, err)
	}
	if err := a.Put(ctx, Artifact{Key: "k", Payload: []byte("one")}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := a.Put(ctx, Artifact{Key: "k", Payload: []byte("two")}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := a.Get(ctx, "k")
	if err != nil || !ok || string(got) != "two" {
		t.Fatalf("expected overwritten payload, got %q ok=%v err=%v", got, ok, err)
	}
	if err := a.Delete(ctx, "k", "never-written"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := a.Get(ctx, "k"); ok {
		t.Fatal("artifact survived delete")
	}
}

// #endregion artifact-tests

// #region worker-tests
func TestWorkerRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(tempDB(t), fastRetry)
	st := workerState(map[string]float64{"lex": 1, "dist": -2}, map[string]float64{"lex": 2, "dist": -2})

	if err := s.SaveWorker(ctx, 1, 0, st, perceptron.Metrics{Processed: 4, Changed: 1}); err != nil {
		t.Fatalf("SaveWorker: %v", err)
	}
	got, ok, err := s.LoadWorker(ctx, 1, 0)
	if err != nil || !ok {
		t.Fatalf("LoadWorker: ok=%v err=%v", ok, err)
	}
	if !got.Local.Equal(st.Local) || !got.Sum.Equal(st.Sum) {
		t.Fatalf("checkpoint differs: local=%v sum=%v", got.Local.Map(), got.Sum.Map())
	}

	if _, ok, err := s.LoadWorker(ctx, 2, 0); err != nil || ok {
		t.Fatalf("expected no checkpoint for rank 2, ok=%v err=%v", ok, err)
	}

	sum, err := s.LoadSum(ctx, 1, 0)
	if err != nil {
		t.Fatalf("LoadSum: %v", err)
	}
	if !sum.Equal(st.Sum) {
		t.Fatalf("sum differs: %v", sum.Map())
	}

	m, err := s.LoadStats(ctx, 1, 0)
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	if m.Processed != 4 || m.Changed != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestWorkerRetainsTwoEpochs(t *testing.T) {
	ctx := context.Background()
	s := NewStore(tempDB(t), fastRetry)
	for e := 0; e < 4; e++ {
		st := workerState(map[string]float64{"e": float64(e)}, map[string]float64{"e": float64(e)})
		if err := s.SaveWorker(ctx, 0, e, st, perceptron.Metrics{}); err != nil {
			t.Fatalf("SaveWorker(%d): %v", e, err)
		}
	}
	for e, want := range map[int]bool{0: false, 1: false, 2: true, 3: true} {
		_, ok, err := s.LoadWorker(ctx, 0, e)
		if err != nil {
			t.Fatalf("LoadWorker(%d): %v", e, err)
		}
		if ok != want {
			t.Errorf("epoch %d: expected present=%v, got %v", e, want, ok)
		}
	}
}

func TestLoadSumMissingExhaustsRetry(t *testing.T) {
	s := NewStore(tempDB(t), fastRetry)
	_, err := s.LoadSum(context.Background(), 3, 0)
	if !errors.Is(err, retry.ErrExhausted) || !errors.Is(err, faults.ErrIO) {
		t.Fatalf("expected exhausted ErrIO, got %v", err)
	}
}

// #endregion worker-tests

// #region canonical-tests
func TestCanonicalOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewStore(tempDB(t), fastRetry)

	if _, ok, err := s.LoadCanonical(ctx); err != nil || ok {
		t.Fatalf("expected no canonical yet, ok=%v err=%v", ok, err)
	}
	for e := 0; e < 2; e++ {
		c := Canonical{
			VersionID: "v" + string(rune('0'+e)),
			Epoch:     e,
			Weights:   svector.FromMap(map[string]float64{"lex": float64(e) + 0.5}),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.SaveCanonical(ctx, c); err != nil {
			t.Fatalf("SaveCanonical: %v", err)
		}
	}
	got, ok, err := s.LoadCanonical(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadCanonical: ok=%v err=%v", ok, err)
	}
	if got.VersionID != "v1" || got.Epoch != 1 || got.Weights.Get("lex") != 1.5 {
		t.Fatalf("unexpected canonical %+v %v", got, got.Weights.Map())
	}
}

func TestCanonicalCorruptIsDataError(t *testing.T) {
	ctx := context.Background()
	a := tempDB(t)
	if err := a.Put(ctx, Artifact{Key: canonicalKey, Payload: []byte("{not json")}); err != nil {
		t.Fatal(err)
	}
	_, _, err := NewStore(a, fastRetry).LoadCanonical(ctx)
	if !errors.Is(err, faults.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

// #endregion canonical-tests

// #region heldout-tests
func TestHeldoutRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(tempDB(t), fastRetry)
	want := eval.Counts{Correct: 3, Model: 5, Gold: 4}
	if err := s.SaveHeldout(ctx, 2, 7, want); err != nil {
		t.Fatalf("SaveHeldout: %v", err)
	}
	got, err := s.LoadHeldout(ctx, 2, 7)
	if err != nil {
		t.Fatalf("LoadHeldout: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

// #endregion heldout-tests

// #region links-tests
func TestLinksRoundTripAndDrop(t *testing.T) {
	ctx := context.Background()
	s := NewStore(tempDB(t), fastRetry)
	want := map[int]corpus.Links{
		0: {{Source: 0, Target: 1}: {}, {Source: 2, Target: 2}: {}},
		3: {},
	}
	if err := s.SaveLinks(ctx, "run-a", 1, want); err != nil {
		t.Fatalf("SaveLinks: %v", err)
	}
	got, err := s.LoadLinks(ctx, "run-a", 1)
	if err != nil {
		t.Fatalf("LoadLinks: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d instances, got %d", len(want), len(got))
	}
	for id, l := range want {
		if !got[id].Equal(l) {
			t.Fatalf("instance %d: expected %s, got %s", id, l, got[id])
		}
	}

	// runs do not see each other's links
	if _, err := s.LoadLinks(ctx, "run-b", 1); !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected ErrExhausted for another run, got %v", err)
	}

	if err := s.DropLinks(ctx, "run-a", 2); err != nil {
		t.Fatalf("DropLinks: %v", err)
	}
	if _, err := s.LoadLinks(ctx, "run-a", 1); !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected ErrExhausted after drop, got %v", err)
	}
}

// #endregion links-tests

// #region retry-tests
type flakyArtifacts struct {
	Artifacts
	failures int
	calls    int
}

func (f *flakyArtifacts) Put(ctx context.Context, arts ...Artifact) error {
	f.calls++
	if f.calls <= f.failures {
		return faults.ErrIO
	}
	return f.Artifacts.Put(ctx, arts...)
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	flaky := &flakyArtifacts{Artifacts: tempDB(t), failures: 2}
	s := NewStore(flaky, fastRetry)
	c := Canonical{VersionID: "v", Weights: svector.New()}
	if err := s.SaveCanonical(context.Background(), c); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

// #endregion retry-tests
