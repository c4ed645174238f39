// Package coordinator runs the epoch protocol of distributed averaged
// perceptron training. Every rank runs a Coordinator; rank 0 additionally
// aggregates, regularizes and publishes the canonical model.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/danielpatrickdp/align-trainer/internal/partition"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/regularize"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
	"github.com/google/uuid"
)

const abortTimeout = 10 * time.Second

// #region coordinator

// Coordinator drives one rank through every epoch.
type Coordinator struct {
	d       Deps
	rank    int
	size    int
	planner *partition.Planner
	log     *logging.TrainingLog

	phase  Phase
	global checkpoint.Canonical // read-only snapshot for the current epoch
	state  perceptron.WorkerState
}

// New checks deps and returns a coordinator in INIT.
func New(d Deps) (*Coordinator, error) {
	if d.Group == nil || d.Store == nil || d.Updater == nil {
		return nil, fmt.Errorf("%w: coordinator needs a group, a store and an updater", faults.ErrConfiguration)
	}
	if len(d.Train) == 0 {
		return nil, fmt.Errorf("%w: empty training set", faults.ErrData)
	}
	if d.MaxEpochs <= 0 {
		return nil, fmt.Errorf("%w: max epochs must be positive, got %d", faults.ErrConfiguration, d.MaxEpochs)
	}
	return &Coordinator{
		d:       d,
		rank:    d.Group.Rank(),
		size:    d.Group.Size(),
		planner: partition.NewPlanner(len(d.Train), d.Shuffle, d.Seed),
		phase:   PhaseInit,
	}, nil
}

// Phase returns the step the coordinator is in.
func (c *Coordinator) Phase() Phase {
	return c.phase
}

func (c *Coordinator) enter(p Phase, epoch int) {
	c.phase = p
	log.Printf("[COORD r%d] epoch %d %s", c.rank, epoch, p)
}

func (c *Coordinator) isRoot() bool {
	return c.rank == 0
}

// #endregion coordinator

// #region run

// Run trains until MaxEpochs. Any error aborts the whole group before it is returned.
func (c *Coordinator) Run(ctx context.Context) ([]EpochReport, error) {
	reports, err := c.run(ctx)
	if err != nil {
		AbortGroup(c.d.Group, err)
	}
	return reports, err
}

// AbortGroup tells every other rank that this one failed, unless the failure
// is itself another rank's abort.
func AbortGroup(grp group.Group, err error) {
	if errors.Is(err, faults.ErrAborted) {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if aerr := grp.Abort(actx, err); aerr != nil {
		log.Printf("[COORD r%d] abort: %v", grp.Rank(), aerr)
	}
}

func (c *Coordinator) run(ctx context.Context) ([]EpochReport, error) {
	start, err := c.restartLoad(ctx)
	if err != nil {
		return nil, fmt.Errorf("restart load: %w", err)
	}
	if c.isRoot() {
		c.planner.Skip(start)
	}
	if start >= c.d.MaxEpochs {
		log.Printf("[COORD r%d] nothing to do: %d of %d epochs already done", c.rank, start, c.d.MaxEpochs)
	}

	var reports []EpochReport
	for e := start; e < c.d.MaxEpochs; e++ {
		rep, err := c.epoch(ctx, e)
		if err != nil {
			return reports, fmt.Errorf("epoch %d %s: %w", e, c.phase, err)
		}
		reports = append(reports, rep)
	}

	// rank 0 may only tear the group down once every rank has the last model
	c.enter(PhaseDone, c.d.MaxEpochs)
	if err := c.d.Group.Gather(ctx); err != nil {
		return reports, fmt.Errorf("final barrier: %w", err)
	}
	return reports, nil
}

// Weights returns the canonical model this rank last reloaded.
func (c *Coordinator) Weights() *svector.Vector {
	return c.global.Weights
}

// #endregion run

// #region restart

// restartLoad resumes after the last published epoch when a canonical model
// exists, otherwise seeds every rank from the initial model.
func (c *Coordinator) restartLoad(ctx context.Context) (int, error) {
	c.enter(PhaseRestartLoad, 0)

	canon, ok, err := c.d.Store.LoadCanonical(ctx)
	if err != nil {
		return 0, err
	}

	start := 0
	if ok {
		st, found, err := c.d.Store.LoadWorker(ctx, c.rank, canon.Epoch)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("%w: canonical model is at epoch %d but rank %d has no checkpoint for it",
				faults.ErrData, canon.Epoch, c.rank)
		}
		c.global = canon
		c.state = st
		start = canon.Epoch + 1
		log.Printf("[COORD r%d] resuming at epoch %d from version %s", c.rank, start, canon.VersionID)
	} else {
		initial := c.d.Initial
		if initial == nil {
			initial = svector.New()
		}
		c.global = checkpoint.Canonical{Epoch: -1, Weights: initial.Copy()}
		c.state = perceptron.NewWorkerState(initial)
	}

	if c.isRoot() && c.d.WeightsOut != "" {
		c.log, err = logging.NewTrainingLog(c.d.WeightsOut, start)
		if err != nil {
			return 0, err
		}
	}
	return start, nil
}

// #endregion restart

// #region epoch

func (c *Coordinator) epoch(ctx context.Context, e int) (EpochReport, error) {
	began := time.Now()
	rep := EpochReport{Epoch: e}

	c.enter(PhasePartition, e)
	order, err := c.planner.Next(ctx, c.d.Group)
	if err != nil {
		return rep, err
	}
	window := partition.Window(order, c.d.SubsetLimit)
	mine := partition.Owned(window, c.rank, c.size)

	c.enter(PhaseLocalProcess, e)
	rep.Local, err = c.d.Updater.Run(ctx, c.d.Train, mine, c.global.Weights, &c.state)
	if err != nil {
		return rep, err
	}
	log.Printf("[TRAIN r%d] epoch %d: %d instances, %d updates", c.rank, e, rep.Local.Processed, rep.Local.Changed)

	c.enter(PhaseLocalPersist, e)
	if err := c.d.Store.SaveWorker(ctx, c.rank, e, c.state, rep.Local); err != nil {
		return rep, err
	}

	c.enter(PhaseGather, e)
	if err := c.d.Group.Gather(ctx); err != nil {
		return rep, err
	}

	var version []byte
	if c.isRoot() {
		canon, err := c.publish(ctx, e, len(window), &rep)
		if err != nil {
			return rep, err
		}
		version = []byte(canon.VersionID)
	}

	c.enter(PhaseBroadcast, e)
	version, err = c.d.Group.Broadcast(ctx, version)
	if err != nil {
		return rep, err
	}

	c.enter(PhaseReload, e)
	if err := c.reload(ctx, e, string(version)); err != nil {
		return rep, err
	}
	rep.VersionID = c.global.VersionID

	if c.d.Heldout != nil {
		c.enter(PhaseHeldout, e)
		rep.Heldout, err = c.heldout(ctx, e)
		if err != nil {
			return rep, err
		}
	}

	rep.Elapsed = time.Since(began)
	if c.isRoot() {
		c.record(rep)
	}
	return rep, nil
}

// publish aggregates every rank's running sum into the averaged model,
// regularizes it and persists it as the new canonical version.
func (c *Coordinator) publish(ctx context.Context, e, n int, rep *EpochReport) (checkpoint.Canonical, error) {
	c.enter(PhaseAggregate, e)
	avg, global, err := c.aggregate(ctx, e, n)
	if err != nil {
		return checkpoint.Canonical{}, err
	}
	rep.Global = global

	if c.d.Regularize.Tau != nil {
		c.enter(PhaseRegularize, e)
		rep.Projection = regularize.Project(avg, c.d.Regularize)
		log.Printf("[COORD r0] epoch %d projection: %d dropped, %d shrunk, %d exempt",
			e, rep.Projection.Dropped, rep.Projection.Shrunk, rep.Projection.Exempt)
	}
	rep.Components = avg.Len()

	c.enter(PhaseMasterPersist, e)
	canon := checkpoint.Canonical{
		VersionID: uuid.New().String(),
		Epoch:     e,
		Weights:   avg,
		CreatedAt: time.Now().UTC(),
	}
	// the log line goes first: resume truncates surplus lines but cannot
	// recover a missing one
	if c.log != nil {
		if err := c.log.Append(avg); err != nil {
			return checkpoint.Canonical{}, err
		}
	}
	if err := c.d.Store.SaveCanonical(ctx, canon); err != nil {
		return checkpoint.Canonical{}, err
	}
	return canon, nil
}

// aggregate sums the persisted running sums of every rank and divides by
// n*(e+1), the number of accumulation steps since the run began.
func (c *Coordinator) aggregate(ctx context.Context, e, n int) (*svector.Vector, perceptron.Metrics, error) {
	total := svector.New()
	var global perceptron.Metrics
	for r := 0; r < c.size; r++ {
		sum, err := c.d.Store.LoadSum(ctx, r, e)
		if err != nil {
			return nil, global, err
		}
		if err := total.AddInPlace(sum); err != nil {
			return nil, global, err
		}
		m, err := c.d.Store.LoadStats(ctx, r, e)
		if err != nil {
			return nil, global, err
		}
		global.Processed += m.Processed
		global.Changed += m.Changed
	}
	if global.Processed != n {
		return nil, global, fmt.Errorf("%w: ranks processed %d instances, epoch window holds %d", faults.ErrData, global.Processed, n)
	}
	avg, err := Average(total, n, e)
	if err != nil {
		return nil, global, err
	}
	return avg, global, nil
}

// Average returns sum / (n*(epoch+1)).
func Average(sum *svector.Vector, n, epoch int) (*svector.Vector, error) {
	return svector.Divide(sum, float64(n)*float64(epoch+1))
}

func (c *Coordinator) reload(ctx context.Context, e int, version string) error {
	canon, ok, err := c.d.Store.LoadCanonical(ctx)
	if err != nil {
		return err
	}
	if !ok || canon.VersionID != version || canon.Epoch != e {
		return fmt.Errorf("%w: canonical model is not version %s of epoch %d", faults.ErrData, version, e)
	}
	c.global = canon
	return nil
}

// heldout decodes this rank's share of the heldout set with the new canonical
// model. Rank 0 merges every rank's counts after a second gather.
func (c *Coordinator) heldout(ctx context.Context, e int) (*eval.Result, error) {
	ids := partition.Owned(partition.Window(partition.Identity(c.d.Heldout.Len()), c.d.SubsetLimit), c.rank, c.size)
	counts, err := c.d.Heldout.Decode(ctx, ids, c.global.Weights)
	if err != nil {
		return nil, err
	}
	if err := c.d.Store.SaveHeldout(ctx, c.rank, e, counts); err != nil {
		return nil, err
	}
	if err := c.d.Group.Gather(ctx); err != nil {
		return nil, err
	}
	if !c.isRoot() {
		return nil, nil
	}

	parts := make([]eval.Counts, c.size)
	for r := range parts {
		if parts[r], err = c.d.Store.LoadHeldout(ctx, r, e); err != nil {
			return nil, err
		}
	}
	res := eval.Report(e, parts)
	return &res, nil
}

// #endregion epoch

// #region record

func (c *Coordinator) record(rep EpochReport) {
	log.Printf("[COORD r0] epoch %d done in %s: version %s, %d components, %d/%d instances changed",
		rep.Epoch, rep.Elapsed.Round(time.Millisecond), rep.VersionID, rep.Components, rep.Global.Changed, rep.Global.Processed)
	if c.d.EpochDB == nil {
		return
	}
	entry := logging.EpochEntry{
		RunID:      c.d.RunID,
		VersionID:  rep.VersionID,
		Epoch:      rep.Epoch,
		Components: rep.Components,
		Instances:  rep.Global.Processed,
		Changed:    rep.Global.Changed,
		Regularize: describe(c.d.Regularize),
		ElapsedMS:  rep.Elapsed.Milliseconds(),
	}
	if rep.Heldout != nil {
		entry.Heldout = &logging.HeldoutScore{
			Precision: rep.Heldout.Score.Precision,
			Recall:    rep.Heldout.Score.Recall,
			F:         rep.Heldout.Score.F,
		}
	}
	if err := logging.LogEpoch(c.d.EpochDB, entry); err != nil {
		log.Printf("[COORD r0] epoch log: %v", err)
	}
}

func describe(cfg regularize.Config) string {
	if cfg.Tau == nil {
		return ""
	}
	parts := []string{fmt.Sprintf("tau=%g", *cfg.Tau)}
	if cfg.NegativeOnly {
		parts = append(parts, "negative-only")
	}
	if cfg.ExemptSuffix != "" {
		parts = append(parts, "exempt="+cfg.ExemptSuffix)
	}
	return strings.Join(parts, " ")
}

// #endregion record
