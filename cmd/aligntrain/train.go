package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/aligner"
	"github.com/danielpatrickdp/align-trainer/internal/checkpoint"
	"github.com/danielpatrickdp/align-trainer/internal/config"
	"github.com/danielpatrickdp/align-trainer/internal/coordinator"
	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/group"
	"github.com/danielpatrickdp/align-trainer/internal/logging"
	"github.com/gonuts/commander"
	"github.com/gonuts/flag"
	"google.golang.org/grpc"
)

// #region flags

// optionalFloat is a float flag that stays nil unless given.
type optionalFloat struct {
	p **float64
}

func (f optionalFloat) String() string {
	if f.p == nil || *f.p == nil {
		return ""
	}
	return strconv.FormatFloat(**f.p, 'g', -1, 64)
}

func (f optionalFloat) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f.p = &v
	return nil
}

func (f optionalFloat) Get() interface{} {
	if f.p == nil {
		return (*float64)(nil)
	}
	return *f.p
}

// dataFlags registers the files of one data set; suffix tells heldout flags apart.
func dataFlags(fs *flag.FlagSet, p *corpus.Paths, what, suffix, sep string) {
	fs.StringVar(&p.Source, "f"+suffix, "", "f "+what+" file")
	fs.StringVar(&p.Target, "e"+suffix, "", "e "+what+" file")
	fs.StringVar(&p.TargetTrees, "etrees"+suffix, "", "etrees "+what+" file")
	fs.StringVar(&p.SourceTrees, "ftrees"+suffix, "", "ftrees "+what+" file")
	fs.StringVar(&p.Gold, "gold"+suffix, "", "gold "+what+" alignments in f-e format")
	fs.StringVar(&p.A1, "a1"+sep+suffix, "", "third-party "+what+" alignments in f-e format")
	fs.StringVar(&p.A2, "a2"+sep+suffix, "", "third-party "+what+" alignments in f-e format")
	fs.StringVar(&p.Inverse, "inverse"+sep+suffix, "", "f-e inverse "+what+" alignments")
}

// serviceFlags registers the lexical tables and the alignment service knobs.
func serviceFlags(fs *flag.FlagSet, o *config.Options) {
	fs.StringVar(&o.SourceVocab, "fvcb", "", "f vocabulary file")
	fs.StringVar(&o.TargetVocab, "evcb", "", "e vocabulary file")
	fs.StringVar(&o.PEF, "pef", "", "p(e|f) table")
	fs.StringVar(&o.PFE, "pfe", "", "p(f|e) table")
	fs.StringVar(&o.LangPair, "langpair", "", "language pair feature set (e.g. ar_en)")
	fs.StringVar(&o.AlignerAddr, "aligner", o.AlignerAddr, "alignment service address")
	fs.IntVar(&o.Search.Beam, "k", o.Search.Beam, "standard beam size")
	fs.IntVar(&o.Search.InitBeam, "init_k", 0, "initialization beam size")
	fs.BoolVar(&o.Search.Rescore, "rescore", o.Search.Rescore, "rescore during bottom-up search")
	fs.BoolVar(&o.Search.SourceTree, "source", false, "search bottom-up on the source trees")
	fs.IntVar(&o.SubsetLimit, "subset", 0, "use only the first k instances")
}

// runtimeFlags registers the group, the shared database and the retry policy.
func runtimeFlags(fs *flag.FlagSet, o *config.Options, local *int) {
	fs.StringVar(&o.DB, "db", o.DB, "shared checkpoint database")
	fs.StringVar(&o.CoordAddr, "coord", o.CoordAddr, "rank 0 rendezvous address")
	fs.IntVar(&o.Rank, "rank", o.Rank, "this process's rank")
	fs.IntVar(&o.World, "world", o.World, "number of ranks")
	fs.IntVar(local, "local", 0, "run this many ranks in-process")
	fs.IntVar(&o.Retry.Attempts, "retries", o.Retry.Attempts, "attempts for checkpoint and rendezvous I/O")
	fs.DurationVar(&o.Retry.Backoff, "backoff", o.Retry.Backoff, "pause between I/O attempts")
}

var (
	trainOpts  config.Options
	trainLocal int
	envErr     error
)

func trainCmd() *commander.Command {
	cmd := &commander.Command{
		Run:       runTrain,
		UsageLine: "train <data options> [options]",
		Short:     "runs distributed perceptron training",
		Long: `
runs distributed averaged perceptron training against an alignment service

	$ ./aligntrain train -f <f> -e <e> -etrees <etrees> -gold <gold> -aligner host:port [options]

Every rank runs the same command. Rank 0 hosts the rendezvous service on -coord;
the others dial it. -local N runs N ranks inside one process instead.
`,
		Flag: *flag.NewFlagSet("train", flag.ExitOnError),
	}

	trainOpts, envErr = config.FromEnv()
	o := &trainOpts

	dataFlags(&cmd.Flag, &o.Train, "training", "", "")
	dataFlags(&cmd.Flag, &o.Heldout, "heldout", "dev", "_")
	serviceFlags(&cmd.Flag, o)
	runtimeFlags(&cmd.Flag, o, &trainLocal)

	cmd.Flag.StringVar(&o.InitialWeights, "weights", "", "initial weights file")
	cmd.Flag.StringVar(&o.WeightsOut, "weights_out", "", "training log, one weight vector per epoch")
	cmd.Flag.Float64Var(&o.LearningRate, "learningrate", o.LearningRate, "perceptron learning rate")
	cmd.Flag.IntVar(&o.MaxEpochs, "maxepochs", o.MaxEpochs, "number of training epochs")
	cmd.Flag.BoolVar(&o.Shuffle, "shuffle", o.Shuffle, "shuffle training instances every epoch")
	cmd.Flag.Int64Var(&o.Seed, "seed", o.Seed, "shuffle seed")
	cmd.Flag.StringVar(&o.Oracle, "oracle", o.Oracle, "oracle hypothesis: gold or hope")
	cmd.Flag.StringVar(&o.Hypothesis, "hyp", o.Hypothesis, "model hypothesis: 1best or fear")
	cmd.Flag.Var(optionalFloat{&o.L1Threshold}, "tau", "L1 threshold; unset disables regularization")
	cmd.Flag.BoolVar(&o.NegativeOnly, "negreg", false, "only regularize negative weights")
	cmd.Flag.StringVar(&o.ExemptSuffix, "exempt", o.ExemptSuffix, "feature suffix never regularized")
	cmd.Flag.BoolVar(&o.Debiasing, "debiasing", false, "restrict updates to the features in -debiasing_weights")
	cmd.Flag.StringVar(&o.DebiasingWeights, "debiasing_weights", "", "weights file whose keys are the allowed features")
	cmd.Flag.BoolVar(&o.DecodeHeldout, "decodeheldout", o.DecodeHeldout, "decode heldout data after every epoch")
	cmd.Flag.StringVar(&o.Notes, "notes", "", "free-form notes for this run")
	return cmd
}

// #endregion flags

// #region run

func runTrain(cmd *commander.Command, args []string) error {
	if envErr != nil {
		return envErr
	}
	o := trainOpts
	if trainLocal > 0 {
		o.Rank, o.World = 0, trainLocal
	}
	res, err := o.Resolve()
	if err != nil {
		return err
	}
	return runRanks(o, trainLocal > 0, res.Features, trainRank)
}

func trainRank(ctx context.Context, o config.Options, grp group.Group, art *checkpoint.SQLiteArtifacts, al *aligner.Client) error {
	epochDB := art.DB()
	if grp.Rank() != 0 {
		epochDB, o.WeightsOut = nil, ""
	}
	reports, err := coordinator.Train(ctx, o, grp, checkpoint.NewStore(art, o.Retry), al, epochDB)
	if err != nil {
		return err
	}
	log.Printf("[TRAIN r%d] finished %d epochs", grp.Rank(), len(reports))
	return nil
}

// rankFunc is what one rank of a subcommand does once the shared pieces are up.
type rankFunc func(ctx context.Context, o config.Options, grp group.Group, art *checkpoint.SQLiteArtifacts, al *aligner.Client) error

// runRanks runs fn for every rank in this process: all of them with local,
// else o.Rank. A rank that fails before fn runs still aborts the group.
func runRanks(o config.Options, local bool, fs aligner.FeatureSet, fn rankFunc) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if local {
		env, err := openEnv(o, fs)
		if err != nil {
			return err
		}
		defer env.close()
		return runLocal(ctx, o, env.art, env.al, fn)
	}

	grp, shutdown, err := joinGroup(o)
	if err != nil {
		return err
	}
	err = func() error {
		env, err := openEnv(o, fs)
		if err != nil {
			coordinator.AbortGroup(grp, err)
			return err
		}
		defer env.close()
		return fn(ctx, o, grp, env.art, env.al)
	}()
	shutdown(err != nil)
	return err
}

// rankEnv is what every rank of a process shares: the database and the
// alignment service connection.
type rankEnv struct {
	art *checkpoint.SQLiteArtifacts
	al  *aligner.Client
}

func openEnv(o config.Options, fs aligner.FeatureSet) (*rankEnv, error) {
	art, err := checkpoint.OpenSQLite(o.DB)
	if err != nil {
		return nil, err
	}
	if err := logging.Migrate(art.DB()); err != nil {
		art.Close()
		return nil, err
	}
	tables, err := loadTables(o)
	if err != nil {
		art.Close()
		return nil, err
	}
	al, err := aligner.NewClient(o.AlignerAddr, fs, tables, o.Search)
	if err != nil {
		art.Close()
		return nil, err
	}
	return &rankEnv{art: art, al: al}, nil
}

func (e *rankEnv) close() {
	if err := e.al.Close(); err != nil {
		log.Printf("[TRAIN] close aligner: %v", err)
	}
	if err := e.art.Close(); err != nil {
		log.Printf("[TRAIN] close database: %v", err)
	}
}

// runLocal runs every rank as a goroutine around one in-memory hub.
func runLocal(ctx context.Context, o config.Options, art *checkpoint.SQLiteArtifacts, al *aligner.Client, fn rankFunc) error {
	members := group.NewLocalGroup(o.World)
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for r, m := range members {
		ro := o
		ro.Rank = r
		wg.Add(1)
		go func(r int, m *group.Local) {
			defer wg.Done()
			errs[r] = fn(ctx, ro, m, art, al)
		}(r, m)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// joinGroup hosts the rendezvous service on rank 0 and dials it elsewhere.
// The returned shutdown lingers after a failure so that retrying ranks still
// learn about the abort.
func joinGroup(o config.Options) (group.Group, func(failed bool), error) {
	if o.World == 1 {
		return group.NewLocalGroup(1)[0], func(bool) {}, nil
	}
	if o.Rank != 0 {
		r, err := group.Dial(o.CoordAddr, o.Rank, o.World, o.Retry)
		if err != nil {
			return nil, nil, err
		}
		return r, func(bool) { r.Close() }, nil
	}

	lis, err := net.Listen("tcp", o.CoordAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", o.CoordAddr, err)
	}
	hub := group.NewHub(o.World)
	gs := grpc.NewServer()
	group.NewServer(hub).Register(gs)
	go func() {
		if err := gs.Serve(lis); err != nil {
			log.Printf("[GROUP] rendezvous server: %v", err)
		}
	}()
	log.Printf("[GROUP] rendezvous for %d ranks on %s", o.World, o.CoordAddr)

	root, err := group.NewLocal(hub, 0)
	if err != nil {
		gs.Stop()
		return nil, nil, err
	}
	shutdown := func(failed bool) {
		if failed {
			time.Sleep(o.Retry.Backoff + time.Second)
		}
		gs.GracefulStop()
	}
	return root, shutdown, nil
}

func loadTables(o config.Options) (aligner.Tables, error) {
	if o.PEF == "" {
		return aligner.Tables{}, nil
	}
	var evcb, fvcb map[string]struct{}
	var err error
	if o.TargetVocab != "" {
		if evcb, err = corpus.LoadVocab(o.TargetVocab); err != nil {
			return aligner.Tables{}, err
		}
	}
	if o.SourceVocab != "" {
		if fvcb, err = corpus.LoadVocab(o.SourceVocab); err != nil {
			return aligner.Tables{}, err
		}
	}
	pef, err := corpus.LoadTable(o.PEF, evcb, fvcb)
	if err != nil {
		return aligner.Tables{}, err
	}
	pfe, err := corpus.LoadTable(o.PFE, fvcb, evcb)
	if err != nil {
		return aligner.Tables{}, err
	}
	return aligner.Tables{PEF: pef, PFE: pfe}, nil
}

// #endregion run
