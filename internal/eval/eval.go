// Package eval scores predicted alignments against gold and decodes the
// heldout set with a candidate model.
package eval

import (
	"context"
	"fmt"
	"log"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// #region fmeasure

// F1 computes precision, recall and F-measure from link counts.
// An empty prediction against an empty gold scores perfectly; an empty side
// against a non-empty one scores zero.
func F1(c Counts) Score {
	switch {
	case c.Correct == 0 && c.Model == 0 && c.Gold == 0:
		return Score{Precision: 1, Recall: 1, F: 1}
	case c.Gold == 0 || c.Model == 0:
		return Score{}
	}
	p := float64(c.Correct) / float64(c.Model)
	r := float64(c.Correct) / float64(c.Gold)
	if p == 0 || r == 0 {
		return Score{Precision: p, Recall: r}
	}
	return Score{Precision: p, Recall: r, F: 2 * p * r / (p + r)}
}

// Accumulate tallies one sentence pair's predicted links against gold.
func Accumulate(hyp, gold corpus.Links) Counts {
	c := Counts{Model: len(hyp), Gold: len(gold)}
	for l := range hyp {
		if gold.Contains(l) {
			c.Correct++
		}
	}
	return c
}

// #endregion fmeasure

// #region heldout

// Harness decodes a data set with a fixed model, tallying the 1-best
// alignments against gold or handing them back as they are.
type Harness struct {
	aligner   perceptron.Aligner
	instances []corpus.Instance
}

// NewHarness creates a harness over instances.
func NewHarness(aligner perceptron.Aligner, instances []corpus.Instance) *Harness {
	return &Harness{aligner: aligner, instances: instances}
}

// Len returns the number of instances.
func (h *Harness) Len() int {
	return len(h.instances)
}

// Decode aligns the instances named by ids with weights and returns the summed counts.
func (h *Harness) Decode(ctx context.Context, ids []int, weights *svector.Vector) (Counts, error) {
	var total Counts
	err := h.each(ctx, ids, weights, func(inst corpus.Instance, best corpus.Links) {
		total = total.Add(Accumulate(best, inst.Gold))
	})
	if err != nil {
		return Counts{}, err
	}
	return total, nil
}

// OneBest aligns the instances named by ids with weights and returns the
// 1-best links of each, keyed by instance id.
func (h *Harness) OneBest(ctx context.Context, ids []int, weights *svector.Vector) (map[int]corpus.Links, error) {
	out := make(map[int]corpus.Links, len(ids))
	err := h.each(ctx, ids, weights, func(inst corpus.Instance, best corpus.Links) {
		out[inst.ID] = best
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (h *Harness) each(ctx context.Context, ids []int, weights *svector.Vector, fn func(corpus.Instance, corpus.Links)) error {
	for _, id := range ids {
		if id < 0 || id >= len(h.instances) {
			return fmt.Errorf("instance %d out of range [0,%d)", id, len(h.instances))
		}
		inst := h.instances[id]
		hyps, err := h.aligner.Align(ctx, inst, weights)
		if err != nil {
			return fmt.Errorf("decode instance %d: %w", inst.ID, err)
		}
		fn(inst, hyps.OneBest.Links)
	}
	return nil
}

// Report scores the merged counts of every rank and logs the result.
func Report(epoch int, parts []Counts) Result {
	var total Counts
	for _, c := range parts {
		total = total.Add(c)
	}
	res := Result{Epoch: epoch, Counts: total, Score: F1(total)}
	log.Printf("[EVAL] epoch %d heldout P=%.4f R=%.4f F=%.4f (correct=%d model=%d gold=%d)",
		epoch, res.Score.Precision, res.Score.Recall, res.Score.F, total.Correct, total.Model, total.Gold)
	return res
}

// #endregion heldout
