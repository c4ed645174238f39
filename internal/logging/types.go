package logging

import "time"

// #region epoch-entry
// EpochEntry is a single row in the epoch_log table.
type EpochEntry struct {
	RunID      string
	VersionID  string
	Epoch      int
	Components int // keys in the published model
	Instances  int // instances processed across all ranks
	Changed    int // instances that moved the weights
	Regularize string
	Heldout    *HeldoutScore
	ElapsedMS  int64
	CreatedAt  time.Time
}

// HeldoutScore is the heldout evaluation stored alongside an epoch.
type HeldoutScore struct {
	Precision float64
	Recall    float64
	F         float64
}

// #endregion epoch-entry
