package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/danielpatrickdp/align-trainer/internal/aligner"
	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/config"
	"github.com/danielpatrickdp/align-trainer/internal/coordinator"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/gonuts/commander"
	"github.com/gonuts/flag"
)

// #region align

var (
	alignOpts  config.Options
	alignLocal int
	alignOut   string
	alignEnv   error
)

func alignCmd() *commander.Command {
	cmd := &commander.Command{
		Run:       runAlign,
		UsageLine: "align <data options> -weights <model> [-out file] [options]",
		Short:     "aligns a data set with a trained model",
		Long: `
decodes a data set with fixed weights and writes the 1-best alignment of
every sentence pair, one line of i-j links each, in input order

	$ ./aligntrain align -f <f> -e <e> -etrees <etrees> -weights run.weights-9 -out test.a

Ranks split the sentence pairs as in training; rank 0 writes the output.
`,
		Flag: *flag.NewFlagSet("align", flag.ExitOnError),
	}

	alignOpts, alignEnv = config.FromEnv()
	o := &alignOpts

	dataFlags(&cmd.Flag, &o.Train, "input", "", "")
	serviceFlags(&cmd.Flag, o)
	runtimeFlags(&cmd.Flag, o, &alignLocal)
	cmd.Flag.StringVar(&o.InitialWeights, "weights", "", "model to align with")
	cmd.Flag.StringVar(&alignOut, "out", "", "output file for the alignments (default: stdout)")
	return cmd
}

func runAlign(cmd *commander.Command, args []string) error {
	if alignEnv != nil {
		return alignEnv
	}
	o := alignOpts
	if alignLocal > 0 {
		o.Rank, o.World = 0, alignLocal
	}
	fs, err := o.ResolveAlign()
	if err != nil {
		return err
	}

	// the output is opened before any rank joins the group
	var out io.Writer
	if o.Rank == 0 {
		w, closeOut, err := openOutput(alignOut)
		if err != nil {
			return err
		}
		defer closeOut()
		out = w
	}
	return runRanks(o, alignLocal > 0, fs, alignRank(out))
}

func alignRank(out io.Writer) rankFunc {
	return func(ctx context.Context, o config.Options, grp group.Group, art *checkpoint.SQLiteArtifacts, al *aligner.Client) error {
		var w io.Writer
		if grp.Rank() == 0 {
			w = out
		}
		n, err := coordinator.AlignCorpus(ctx, o, grp, checkpoint.NewStore(art, o.Retry), al, w)
		if err != nil {
			return err
		}
		log.Printf("[ALIGN r%d] done: %d sentence pairs", grp.Rank(), n)
		return nil
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			log.Printf("[ALIGN r0] close %s: %v", path, err)
		}
	}, nil
}

// #endregion align
