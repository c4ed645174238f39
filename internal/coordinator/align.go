package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/config"
	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/danielpatrickdp/align-trainer/internal/partition"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
	"github.com/google/uuid"
)

// #region align

// AlignDeps wires one rank of an align run.
type AlignDeps struct {
	Group       group.Group
	Store       *checkpoint.Store
	Data        *eval.Harness
	Weights     *svector.Vector
	SubsetLimit int
	Out         io.Writer // written by rank 0 only
}

// Align decodes the data set with a fixed model, each rank taking its share
// of positions. Rank 0 writes the 1-best links of every instance to Out, one
// line each in input order, and returns how many lines it wrote; other ranks
// return how many instances they decoded. Any error aborts the group.
func Align(ctx context.Context, d AlignDeps) (int, error) {
	n, err := align(ctx, d)
	if err != nil && d.Group != nil {
		AbortGroup(d.Group, err)
	}
	return n, err
}

func align(ctx context.Context, d AlignDeps) (int, error) {
	if d.Group == nil || d.Store == nil || d.Data == nil {
		return 0, fmt.Errorf("%w: align needs a group, a store and a data set", faults.ErrConfiguration)
	}
	rank, size := d.Group.Rank(), d.Group.Size()
	if rank == 0 && d.Out == nil {
		return 0, fmt.Errorf("%w: rank 0 needs an output", faults.ErrConfiguration)
	}

	var run []byte
	if rank == 0 {
		run = []byte(uuid.New().String())
	}
	run, err := d.Group.Broadcast(ctx, run)
	if err != nil {
		return 0, fmt.Errorf("broadcast run id: %w", err)
	}

	window := partition.Window(partition.Identity(d.Data.Len()), d.SubsetLimit)
	links, err := d.Data.OneBest(ctx, partition.Owned(window, rank, size), d.Weights)
	if err != nil {
		return 0, err
	}
	log.Printf("[ALIGN r%d] decoded %d instances", rank, len(links))
	if err := d.Store.SaveLinks(ctx, string(run), rank, links); err != nil {
		return 0, err
	}
	if err := d.Group.Gather(ctx); err != nil {
		return 0, err
	}
	if rank != 0 {
		return len(links), nil
	}

	merged := make(map[int]corpus.Links, len(window))
	for r := 0; r < size; r++ {
		part, err := d.Store.LoadLinks(ctx, string(run), r)
		if err != nil {
			return 0, err
		}
		for id, l := range part {
			merged[id] = l
		}
	}
	w := bufio.NewWriter(d.Out)
	for _, id := range window {
		l, ok := merged[id]
		if !ok {
			return 0, fmt.Errorf("%w: no rank decoded instance %d", faults.ErrData, id)
		}
		fmt.Fprintln(w, l.String())
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("%w: write alignments: %v", faults.ErrIO, err)
	}
	if err := d.Store.DropLinks(ctx, string(run), size); err != nil {
		log.Printf("[ALIGN r0] drop links of run %s: %v", run, err)
	}
	log.Printf("[ALIGN r0] wrote %d alignments", len(window))
	return len(window), nil
}

// AlignCorpus loads the data set in o.Train and the model in o.InitialWeights
// and runs Align for grp's rank. out may be nil on every rank but 0.
func AlignCorpus(ctx context.Context, o config.Options, grp group.Group, store *checkpoint.Store, al perceptron.Aligner, out io.Writer) (int, error) {
	d, err := setupAlign(o, grp, store, al, out)
	if err != nil {
		err = fmt.Errorf("setup rank %d: %w", grp.Rank(), err)
		AbortGroup(grp, err)
		return 0, err
	}
	return Align(ctx, d)
}

func setupAlign(o config.Options, grp group.Group, store *checkpoint.Store, al perceptron.Aligner, out io.Writer) (AlignDeps, error) {
	if _, err := o.ResolveAlign(); err != nil {
		return AlignDeps{}, err
	}
	data, err := corpus.Load(o.Train)
	if err != nil {
		return AlignDeps{}, fmt.Errorf("load data: %w", err)
	}
	weights, err := logging.ReadVector(o.InitialWeights)
	if err != nil {
		return AlignDeps{}, fmt.Errorf("load weights: %w", err)
	}
	return AlignDeps{
		Group:       grp,
		Store:       store,
		Data:        eval.NewHarness(al, data),
		Weights:     weights,
		SubsetLimit: o.SubsetLimit,
		Out:         out,
	}, nil
}

// #endregion align
