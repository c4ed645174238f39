// Package config holds the immutable options record of a training run and the
// checks that run before any epoch starts.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/aligner"
	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/regularize"
	"github.com/danielpatrickdp/align-trainer/internal/retry"
)

// #region options

// Options is built once from flags and environment and never mutated afterwards.
type Options struct {
	// update rule
	LearningRate float64
	MaxEpochs    int
	Shuffle      bool
	Seed         int64
	Oracle       string
	Hypothesis   string

	// regularization and debiasing
	L1Threshold      *float64
	NegativeOnly     bool
	ExemptSuffix     string
	Debiasing        bool
	DebiasingWeights string

	// data
	Train          corpus.Paths
	Heldout        corpus.Paths
	SourceVocab    string
	TargetVocab    string
	PEF            string
	PFE            string
	SubsetLimit    int
	DecodeHeldout  bool
	InitialWeights string
	WeightsOut     string
	LangPair       string

	// alignment service
	AlignerAddr string
	Search      aligner.Search

	// runtime group
	DB        string
	CoordAddr string
	Rank      int
	World     int
	Retry     retry.Policy
	Notes     string
}

// Defaults returns the stock training setup.
func Defaults() Options {
	return Options{
		LearningRate:  1.0,
		MaxEpochs:     100,
		Shuffle:       true,
		Seed:          time.Now().UnixNano(),
		Oracle:        string(perceptron.RoleGold),
		Hypothesis:    string(perceptron.RoleOneBest),
		ExemptSuffix:  regularize.DefaultExemptSuffix,
		DecodeHeldout: true,
		AlignerAddr:   "localhost:50061",
		Search:        aligner.DefaultSearch(),
		DB:            "align_trainer.db",
		CoordAddr:     "localhost:50071",
		World:         1,
		Retry:         retry.DefaultPolicy(),
	}
}

// FromEnv returns Defaults with deployment settings taken from the environment
// when set: ALIGN_DB, ALIGN_COORD_ADDR, ALIGN_ALIGNER_ADDR, ALIGN_RANK, ALIGN_WORLD.
func FromEnv() (Options, error) {
	o := Defaults()
	o.DB = envOr("ALIGN_DB", o.DB)
	o.CoordAddr = envOr("ALIGN_COORD_ADDR", o.CoordAddr)
	o.AlignerAddr = envOr("ALIGN_ALIGNER_ADDR", o.AlignerAddr)

	var err error
	if o.Rank, err = envInt("ALIGN_RANK", o.Rank); err != nil {
		return Options{}, err
	}
	if o.World, err = envInt("ALIGN_WORLD", o.World); err != nil {
		return Options{}, err
	}
	return o, nil
}

// #endregion options

// #region resolve

// Resolved is what the trainer derives from validated options.
type Resolved struct {
	Update     perceptron.Config
	Regularize regularize.Config
	Features   aligner.FeatureSet
}

// Validate reports the first configuration problem, if any.
func (o Options) Validate() error {
	_, err := o.Resolve()
	return err
}

// Resolve validates o and derives the component configurations. The feature
// set is looked up here, once, by language pair.
func (o Options) Resolve() (Resolved, error) {
	oracle, err := perceptron.ParseOracle(o.Oracle)
	if err != nil {
		return Resolved{}, err
	}
	hyp, err := perceptron.ParseHypothesis(o.Hypothesis)
	if err != nil {
		return Resolved{}, err
	}
	if !(o.LearningRate > 0) || math.IsInf(o.LearningRate, 0) {
		return Resolved{}, fmt.Errorf("%w: learning rate must be positive and finite, got %v", faults.ErrConfiguration, o.LearningRate)
	}
	if o.MaxEpochs <= 0 {
		return Resolved{}, fmt.Errorf("%w: max epochs must be positive, got %d", faults.ErrConfiguration, o.MaxEpochs)
	}
	if o.SubsetLimit < 0 {
		return Resolved{}, fmt.Errorf("%w: subset limit must not be negative, got %d", faults.ErrConfiguration, o.SubsetLimit)
	}

	if tau := o.L1Threshold; tau != nil {
		if math.IsNaN(*tau) || math.IsInf(*tau, 0) || *tau < 0 {
			return Resolved{}, fmt.Errorf("%w: L1 threshold must be a non-negative number, got %v", faults.ErrConfiguration, *tau)
		}
	}
	if o.Debiasing && o.DebiasingWeights == "" {
		return Resolved{}, fmt.Errorf("%w: debiasing needs a feature allow-list", faults.ErrConfiguration)
	}
	if o.Debiasing && o.L1Threshold != nil {
		return Resolved{}, fmt.Errorf("%w: debiasing and L1 regularization are mutually exclusive", faults.ErrConfiguration)
	}

	if o.Train.Source == "" || o.Train.Target == "" || o.Train.TargetTrees == "" || o.Train.Gold == "" {
		return Resolved{}, fmt.Errorf("%w: training needs source, target, target tree and gold files", faults.ErrConfiguration)
	}
	if o.HeldoutEnabled() && (o.Heldout.Target == "" || o.Heldout.TargetTrees == "" || o.Heldout.Gold == "") {
		return Resolved{}, fmt.Errorf("%w: heldout decoding needs heldout target, target tree and gold files", faults.ErrConfiguration)
	}

	fs, err := o.resolveRuntime()
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{
		Update: perceptron.Config{
			LearningRate: o.LearningRate,
			Oracle:       oracle,
			Hypothesis:   hyp,
		},
		Regularize: regularize.Config{
			Tau:          o.L1Threshold,
			NegativeOnly: o.NegativeOnly,
			ExemptSuffix: o.ExemptSuffix,
		},
		Features: fs,
	}, nil
}

// ResolveAlign validates o for decoding the data set in Train with the fixed
// model in InitialWeights. Gold alignments are optional here.
func (o Options) ResolveAlign() (aligner.FeatureSet, error) {
	if o.Train.Source == "" || o.Train.Target == "" || o.Train.TargetTrees == "" {
		return aligner.FeatureSet{}, fmt.Errorf("%w: alignment needs source, target and target tree files", faults.ErrConfiguration)
	}
	if o.InitialWeights == "" {
		return aligner.FeatureSet{}, fmt.Errorf("%w: alignment needs a weights file", faults.ErrConfiguration)
	}
	if o.SubsetLimit < 0 {
		return aligner.FeatureSet{}, fmt.Errorf("%w: subset limit must not be negative, got %d", faults.ErrConfiguration, o.SubsetLimit)
	}
	return o.resolveRuntime()
}

// resolveRuntime checks what training and alignment share: the lexical
// tables, the group, the retry policy and the decoder settings.
func (o Options) resolveRuntime() (aligner.FeatureSet, error) {
	if (o.PEF == "") != (o.PFE == "") {
		return aligner.FeatureSet{}, fmt.Errorf("%w: p(e|f) and p(f|e) tables go together", faults.ErrConfiguration)
	}
	if o.World < 1 {
		return aligner.FeatureSet{}, fmt.Errorf("%w: world size must be at least 1, got %d", faults.ErrConfiguration, o.World)
	}
	if o.Rank < 0 || o.Rank >= o.World {
		return aligner.FeatureSet{}, fmt.Errorf("%w: rank %d outside [0,%d)", faults.ErrConfiguration, o.Rank, o.World)
	}
	if o.Retry.Attempts < 1 || o.Retry.Backoff < 0 {
		return aligner.FeatureSet{}, fmt.Errorf("%w: retry needs at least one attempt and a non-negative backoff", faults.ErrConfiguration)
	}
	if o.Search.Beam < 1 || o.Search.InitBeam < 0 {
		return aligner.FeatureSet{}, fmt.Errorf("%w: beam sizes must be positive", faults.ErrConfiguration)
	}
	return aligner.Lookup(o.LangPair)
}

// HeldoutEnabled reports whether each epoch ends with heldout decoding.
// Decoding is on by default but needs a heldout source file.
func (o Options) HeldoutEnabled() bool {
	return o.DecodeHeldout && o.Heldout.Source != ""
}

// #endregion resolve

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", faults.ErrConfiguration, key, v)
	}
	return n, nil
}

// #endregion helpers
