package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/config"
	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
	"github.com/google/uuid"
)

// Train sets up grp's rank from o and runs it. A rank that cannot even set up
// aborts the group, so no other rank waits for it at a barrier.
func Train(ctx context.Context, o config.Options, grp group.Group, store *checkpoint.Store, al perceptron.Aligner, epochDB *sql.DB) ([]EpochReport, error) {
	c, err := Setup(o, grp, store, al, epochDB)
	if err != nil {
		err = fmt.Errorf("setup rank %d: %w", grp.Rank(), err)
		AbortGroup(grp, err)
		return nil, err
	}
	return c.Run(ctx)
}

// Setup validates o, loads the data it names and wires a coordinator for
// grp's rank. epochDB may be nil.
func Setup(o config.Options, grp group.Group, store *checkpoint.Store, al perceptron.Aligner, epochDB *sql.DB) (*Coordinator, error) {
	res, err := o.Resolve()
	if err != nil {
		return nil, err
	}

	train, err := corpus.Load(o.Train)
	if err != nil {
		return nil, fmt.Errorf("load training data: %w", err)
	}

	upd := res.Update
	if o.Debiasing {
		allowed, err := logging.ReadVector(o.DebiasingWeights)
		if err != nil {
			return nil, fmt.Errorf("load debiasing features: %w", err)
		}
		upd.Allowed = make(map[string]struct{}, allowed.Len())
		for _, k := range allowed.Keys() {
			upd.Allowed[k] = struct{}{}
		}
	}
	updater, err := perceptron.NewUpdater(upd, al)
	if err != nil {
		return nil, err
	}

	var heldout *eval.Harness
	if o.HeldoutEnabled() {
		insts, err := corpus.Load(o.Heldout)
		if err != nil {
			return nil, fmt.Errorf("load heldout data: %w", err)
		}
		heldout = eval.NewHarness(al, insts)
	}

	var initial *svector.Vector
	if o.InitialWeights != "" {
		if initial, err = logging.ReadVector(o.InitialWeights); err != nil {
			return nil, fmt.Errorf("load initial weights: %w", err)
		}
	}

	runID := uuid.New().String()
	if grp.Rank() == 0 {
		log.Printf("[COORD r0] run %s: %d training instances, %d ranks, %d epochs, features %s",
			runID, len(train), grp.Size(), o.MaxEpochs, res.Features.Name)
		if o.Notes != "" {
			log.Printf("[COORD r0] notes: %s", o.Notes)
		}
	}

	return New(Deps{
		Group:       grp,
		Store:       store,
		Updater:     updater,
		Train:       train,
		Heldout:     heldout,
		Initial:     initial,
		Regularize:  res.Regularize,
		MaxEpochs:   o.MaxEpochs,
		SubsetLimit: o.SubsetLimit,
		Shuffle:     o.Shuffle,
		Seed:        o.Seed,
		RunID:       runID,
		WeightsOut:  o.WeightsOut,
		EpochDB:     epochDB,
	})
}
