// Package perceptron computes per-instance structured perceptron updates.
package perceptron

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// #region updater

// Updater applies the oracle/hypothesis margin update.
type Updater struct {
	cfg     Config
	aligner Aligner
}

// NewUpdater validates cfg and returns an updater backed by aligner.
func NewUpdater(cfg Config, aligner Aligner) (*Updater, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Updater{cfg: cfg, aligner: aligner}, nil
}

// #endregion updater

// #region step

// Step decodes inst under global and updates st.
// When the oracle and hypothesis link sets differ, Local moves by
// rate*(oracle-hyp). Sum then always accumulates the current Local.
func (u *Updater) Step(ctx context.Context, inst corpus.Instance, global *svector.Vector, st *WorkerState) (bool, error) {
	hyps, err := u.aligner.Align(ctx, inst, global)
	if err != nil {
		return false, fmt.Errorf("align instance %d: %w", inst.ID, err)
	}
	oracle, err := hyps.Select(u.cfg.Oracle)
	if err != nil {
		return false, err
	}
	hyp, err := hyps.Select(u.cfg.Hypothesis)
	if err != nil {
		return false, err
	}

	changed := !oracle.Links.Equal(hyp.Links)
	if changed {
		of, hf := oracle.Features, hyp.Features
		if u.cfg.Allowed != nil {
			of, hf = u.filter(of), u.filter(hf)
		}
		delta, err := svector.Subtract(of, hf)
		if err != nil {
			return false, fmt.Errorf("instance %d delta: %w", inst.ID, err)
		}
		if err := st.Local.AddScaled(delta, u.cfg.LearningRate); err != nil {
			return false, fmt.Errorf("instance %d update: %w", inst.ID, err)
		}
	}

	// counted whether or not the instance changed the weights
	if err := st.Sum.AddInPlace(st.Local); err != nil {
		return false, fmt.Errorf("instance %d accumulate: %w", inst.ID, err)
	}
	return changed, nil
}

func (u *Updater) filter(v *svector.Vector) *svector.Vector {
	if v == nil {
		return nil
	}
	out := v.Copy()
	out.Retain(func(k string) bool {
		_, ok := u.cfg.Allowed[k]
		return ok
	})
	return out
}

// #endregion step

// #region run

// Run steps through ids in order. instances is indexed by instance id.
func (u *Updater) Run(ctx context.Context, instances []corpus.Instance, ids []int, global *svector.Vector, st *WorkerState) (Metrics, error) {
	var m Metrics
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if id < 0 || id >= len(instances) {
			return m, fmt.Errorf("instance %d out of range [0,%d)", id, len(instances))
		}
		changed, err := u.Step(ctx, instances[id], global, st)
		if err != nil {
			return m, err
		}
		m.Processed++
		if changed {
			m.Changed++
		}
	}
	return m, nil
}

// #endregion run
