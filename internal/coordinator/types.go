package coordinator

import (
	"database/sql"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/regularize"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// #region phase

// Phase is a step of the per-epoch protocol.
type Phase string

const (
	PhaseInit          Phase = "INIT"
	PhaseRestartLoad   Phase = "RESTART_LOAD"
	PhasePartition     Phase = "PARTITION"
	PhaseLocalProcess  Phase = "LOCAL_PROCESS"
	PhaseLocalPersist  Phase = "LOCAL_PERSIST"
	PhaseGather        Phase = "GATHER_BARRIER"
	PhaseAggregate     Phase = "MASTER_AGGREGATE"
	PhaseRegularize    Phase = "REGULARIZE"
	PhaseMasterPersist Phase = "MASTER_PERSIST"
	PhaseBroadcast     Phase = "BROADCAST_BARRIER"
	PhaseReload        Phase = "RELOAD"
	PhaseHeldout       Phase = "HELDOUT"
	PhaseDone          Phase = "DONE"
)

// #endregion phase

// #region deps

// Deps wires one rank's coordinator.
type Deps struct {
	Group   group.Group
	Store   *checkpoint.Store
	Updater *perceptron.Updater
	Train   []corpus.Instance

	// Heldout decodes the heldout set after every epoch; nil disables it.
	Heldout *eval.Harness

	// Initial seeds the weights of a fresh run; nil starts from zero.
	Initial *svector.Vector

	Regularize  regularize.Config
	MaxEpochs   int
	SubsetLimit int
	Shuffle     bool
	Seed        int64

	// rank 0 only
	RunID      string
	WeightsOut string  // JSON-lines training log; "" disables it
	EpochDB    *sql.DB // epoch_log table; nil disables it
}

// #endregion deps

// #region report

// EpochReport describes one finished epoch as seen by this rank. The global
// fields are filled on rank 0 only.
type EpochReport struct {
	Epoch      int
	VersionID  string
	Local      perceptron.Metrics
	Global     perceptron.Metrics
	Components int
	Projection regularize.Result
	Heldout    *eval.Result
	Elapsed    time.Duration
}

// #endregion report
