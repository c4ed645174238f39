package main

import (
	"fmt"

	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/gonuts/commander"
	"github.com/gonuts/flag"
)

// #region extract

var (
	extractLog   string
	extractEpoch int
	extractOut   string
)

func extractCmd() *commander.Command {
	cmd := &commander.Command{
		Run:       runExtract,
		UsageLine: "extract -log <weights_out> -epoch <k> [-out prefix]",
		Short:     "writes the model of one epoch from a training log",
		Long: `
writes the model published at epoch k (0-based) as <out>.weights-<k>

	$ ./aligntrain extract -log run.weights -epoch 3
`,
		Flag: *flag.NewFlagSet("extract", flag.ExitOnError),
	}
	cmd.Flag.StringVar(&extractLog, "log", "", "training log written by train -weights_out")
	cmd.Flag.IntVar(&extractEpoch, "epoch", 0, "0-based epoch to extract")
	cmd.Flag.StringVar(&extractOut, "out", "", "output prefix (default: the log path)")
	return cmd
}

func runExtract(cmd *commander.Command, args []string) error {
	if extractLog == "" {
		cmd.Usage()
		return fmt.Errorf("extract: -log is required")
	}
	w, err := logging.ReadEpoch(extractLog, extractEpoch)
	if err != nil {
		return err
	}
	prefix := extractOut
	if prefix == "" {
		prefix = extractLog
	}
	path := fmt.Sprintf("%s.weights-%d", prefix, extractEpoch)
	if err := logging.WriteVector(path, w); err != nil {
		return err
	}
	fmt.Printf("%d components\n", w.Len())
	return nil
}

// #endregion extract
