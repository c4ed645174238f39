package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/danielpatrickdp/align-trainer/internal/retry"
	"github.com/gonuts/commander"
	"github.com/gonuts/flag"
)

// #region inspect

var (
	inspectDB    string
	inspectRun   string
	inspectLast  int
	inspectTop   int
	inspectModel bool
	inspectJSON  bool
)

func inspectCmd() *commander.Command {
	cmd := &commander.Command{
		Run:       runInspect,
		UsageLine: "inspect -db <db> [-run id] [-last N] [-model] [-json]",
		Short:     "shows the epoch history and the current model",
		Long: `
lists the epochs recorded in the shared database, or with -model the
heaviest features of the current canonical model

	$ ./aligntrain inspect -db align_trainer.db -last 10
	$ ./aligntrain inspect -db align_trainer.db -model -top 20
`,
		Flag: *flag.NewFlagSet("inspect", flag.ExitOnError),
	}
	cmd.Flag.StringVar(&inspectDB, "db", "", "path to the shared checkpoint database")
	cmd.Flag.StringVar(&inspectRun, "run", "", "restrict to one run id")
	cmd.Flag.IntVar(&inspectLast, "last", 20, "show N most recent epochs")
	cmd.Flag.IntVar(&inspectTop, "top", 20, "features to show with -model")
	cmd.Flag.BoolVar(&inspectModel, "model", false, "show the canonical model instead of the history")
	cmd.Flag.BoolVar(&inspectJSON, "json", false, "output as JSON instead of table")
	return cmd
}

func runInspect(cmd *commander.Command, args []string) error {
	if inspectDB == "" {
		cmd.Usage()
		return fmt.Errorf("inspect: -db is required")
	}
	art, err := checkpoint.OpenSQLite(inspectDB)
	if err != nil {
		return err
	}
	defer art.Close()

	if inspectModel {
		return runModelMode(os.Stdout, art)
	}
	return runListMode(os.Stdout, art)
}

// #endregion inspect

// #region list-mode

type listRow struct {
	RunID      string   `json:"run_id"`
	VersionID  string   `json:"version_id"`
	Epoch      int      `json:"epoch"`
	Components int      `json:"components"`
	Instances  int      `json:"instances"`
	Changed    int      `json:"changed"`
	Regularize string   `json:"regularize,omitempty"`
	F          *float64 `json:"heldout_f,omitempty"`
	ElapsedMS  int64    `json:"elapsed_ms"`
	CreatedAt  string   `json:"created_at"`
}

func runListMode(w io.Writer, art *checkpoint.SQLiteArtifacts) error {
	if err := logging.Migrate(art.DB()); err != nil {
		return err
	}
	entries, err := logging.ListEpochs(art.DB(), inspectRun, 0)
	if err != nil {
		return err
	}
	if inspectLast > 0 && len(entries) > inspectLast {
		entries = entries[len(entries)-inspectLast:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no epochs found")
		return nil
	}

	rows := make([]listRow, len(entries))
	for i, e := range entries {
		rows[i] = listRow{
			RunID:      e.RunID,
			VersionID:  e.VersionID,
			Epoch:      e.Epoch,
			Components: e.Components,
			Instances:  e.Instances,
			Changed:    e.Changed,
			Regularize: e.Regularize,
			ElapsedMS:  e.ElapsedMS,
			CreatedAt:  e.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if e.Heldout != nil {
			f := e.Heldout.F
			rows[i].F = &f
		}
	}

	if inspectJSON {
		return printJSON(w, rows)
	}
	fmt.Fprintf(w, "%-8s  %-8s  %5s  %10s  %9s  %7s  %7s  %8s  %s\n",
		"Run", "Version", "Epoch", "Components", "Instances", "Changed", "F", "Seconds", "Time")
	fmt.Fprintf(w, "%-8s+-%-8s+-%5s+-%10s+-%9s+-%7s+-%7s+-%8s+-%s\n",
		"--------", "--------", "-----", "----------", "---------", "-------", "-------", "--------", "--------------------")
	for _, r := range rows {
		f := "-"
		if r.F != nil {
			f = fmt.Sprintf("%.4f", *r.F)
		}
		fmt.Fprintf(w, "%-8s  %-8s  %5d  %10d  %9d  %7d  %7s  %8.1f  %s\n",
			shortID(r.RunID), shortID(r.VersionID), r.Epoch, r.Components, r.Instances, r.Changed,
			f, float64(r.ElapsedMS)/1000, r.CreatedAt)
	}
	if reg := rows[len(rows)-1].Regularize; reg != "" {
		fmt.Fprintf(w, "\nRegularization (latest): %s\n", reg)
	}
	return nil
}

// #endregion list-mode

// #region model-mode

type modelOutput struct {
	VersionID  string       `json:"version_id"`
	Epoch      int          `json:"epoch"`
	Components int          `json:"components"`
	CreatedAt  string       `json:"created_at"`
	Top        []featureRow `json:"top"`
}

type featureRow struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

func runModelMode(w io.Writer, art *checkpoint.SQLiteArtifacts) error {
	store := checkpoint.NewStore(art, retry.Policy{Attempts: 1})
	c, ok, err := store.LoadCanonical(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "no canonical model found")
		return nil
	}

	var top []featureRow
	c.Weights.Range(func(k string, w float64) bool {
		top = append(top, featureRow{Feature: k, Weight: w})
		return true
	})
	sort.Slice(top, func(i, j int) bool {
		ai, aj := math.Abs(top[i].Weight), math.Abs(top[j].Weight)
		if ai != aj {
			return ai > aj
		}
		return top[i].Feature < top[j].Feature
	})
	if inspectTop > 0 && len(top) > inspectTop {
		top = top[:inspectTop]
	}

	out := modelOutput{
		VersionID:  c.VersionID,
		Epoch:      c.Epoch,
		Components: c.Weights.Len(),
		CreatedAt:  c.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Top:        top,
	}
	if inspectJSON {
		return printJSON(w, out)
	}
	fmt.Fprintf(w, "Version:    %s\n", out.VersionID)
	fmt.Fprintf(w, "Epoch:      %d\n", out.Epoch)
	fmt.Fprintf(w, "Components: %d\n", out.Components)
	fmt.Fprintf(w, "Created:    %s\n\n", out.CreatedAt)
	fmt.Fprintf(w, "%-40s  %12s\n", "Feature", "Weight")
	fmt.Fprintf(w, "%-40s+-%12s\n", "----------------------------------------", "------------")
	for _, r := range top {
		fmt.Fprintf(w, "%-40s  %12.6f\n", r.Feature, r.Weight)
	}
	return nil
}

// #endregion model-mode

// #region output

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
