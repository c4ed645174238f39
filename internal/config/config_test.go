package config

import (
	"errors"
	"math"
	"testing"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
)

func validOptions() Options {
	o := Defaults()
	o.Train = corpus.Paths{Source: "f", Target: "e", TargetTrees: "etrees", Gold: "gold"}
	o.DecodeHeldout = false
	return o
}

func ptr(f float64) *float64 { return &f }

func TestDefaultsResolve(t *testing.T) {
	r, err := validOptions().Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Update.Oracle != perceptron.RoleGold || r.Update.Hypothesis != perceptron.RoleOneBest || r.Update.LearningRate != 1 {
		t.Fatalf("unexpected update config %+v", r.Update)
	}
	if r.Regularize.Tau != nil || r.Regularize.ExemptSuffix != "_nb" {
		t.Fatalf("unexpected regularize config %+v", r.Regularize)
	}
	if r.Features.Name != "generic" {
		t.Fatalf("expected generic feature set, got %q", r.Features.Name)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(o *Options){
		"unknown oracle":        func(o *Options) { o.Oracle = "silver" },
		"unknown hypothesis":    func(o *Options) { o.Hypothesis = "2best" },
		"zero learning rate":    func(o *Options) { o.LearningRate = 0 },
		"nan learning rate":     func(o *Options) { o.LearningRate = math.NaN() },
		"zero epochs":           func(o *Options) { o.MaxEpochs = 0 },
		"negative subset":       func(o *Options) { o.SubsetLimit = -1 },
		"negative tau":          func(o *Options) { o.L1Threshold = ptr(-0.1) },
		"nan tau":               func(o *Options) { o.L1Threshold = ptr(math.NaN()) },
		"debias without list":   func(o *Options) { o.Debiasing = true },
		"debias with tau":       func(o *Options) { o.Debiasing, o.DebiasingWeights, o.L1Threshold = true, "w", ptr(0.1) },
		"missing gold":          func(o *Options) { o.Train.Gold = "" },
		"heldout without gold":  func(o *Options) { o.DecodeHeldout, o.Heldout = true, corpus.Paths{Source: "fd", Target: "ed", TargetTrees: "td"} },
		"one table only":        func(o *Options) { o.PEF = "pef" },
		"rank outside world":    func(o *Options) { o.Rank, o.World = 3, 3 },
		"empty world":           func(o *Options) { o.World = 0 },
		"no retry attempts":     func(o *Options) { o.Retry.Attempts = 0 },
		"zero beam":             func(o *Options) { o.Search.Beam = 0 },
		"unknown language pair": func(o *Options) { o.LangPair = "xx_yy" },
	}
	for name, mutate := range cases {
		o := validOptions()
		mutate(&o)
		if err := o.Validate(); !errors.Is(err, faults.ErrConfiguration) {
			t.Errorf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestValidateAccepts(t *testing.T) {
	cases := map[string]func(o *Options){
		"tau zero":           func(o *Options) { o.L1Threshold = ptr(0) },
		"negative only":      func(o *Options) { o.L1Threshold, o.NegativeOnly = ptr(0.5), true },
		"debias with list":   func(o *Options) { o.Debiasing, o.DebiasingWeights = true, "allowed.weights" },
		"hope fear":          func(o *Options) { o.Oracle, o.Hypothesis = "hope", "fear" },
		"heldout configured": func(o *Options) { o.DecodeHeldout, o.Heldout = true, corpus.Paths{Source: "fd", Target: "ed", TargetTrees: "td", Gold: "gd"} },
		"heldout not given":  func(o *Options) { o.DecodeHeldout = true },
		"language pair":      func(o *Options) { o.LangPair = "ar_en" },
		"distributed rank":   func(o *Options) { o.Rank, o.World = 2, 4 },
	}
	for name, mutate := range cases {
		o := validOptions()
		mutate(&o)
		if err := o.Validate(); err != nil {
			t.Errorf("%s: unexpected error %v", name, err)
		}
	}
}

func TestHeldoutEnabled(t *testing.T) {
	o := validOptions()
	o.DecodeHeldout = true
	if o.HeldoutEnabled() {
		t.Fatal("heldout decoding needs a heldout source")
	}
	o.Heldout.Source = "fd"
	if !o.HeldoutEnabled() {
		t.Fatal("expected heldout decoding")
	}
}

func TestResolveAlign(t *testing.T) {
	o := Defaults()
	o.Train = corpus.Paths{Source: "f", Target: "e", TargetTrees: "etrees"}
	o.InitialWeights = "model.weights"
	fs, err := o.ResolveAlign()
	if err != nil {
		t.Fatalf("ResolveAlign without gold: %v", err)
	}
	if fs.Name != "generic" {
		t.Fatalf("expected generic feature set, got %q", fs.Name)
	}

	cases := map[string]func(o *Options){
		"no weights":    func(o *Options) { o.InitialWeights = "" },
		"no trees":      func(o *Options) { o.Train.TargetTrees = "" },
		"one table":     func(o *Options) { o.PFE = "pfe" },
		"bad rank":      func(o *Options) { o.Rank = 3 },
		"unknown pair":  func(o *Options) { o.LangPair = "xx_yy" },
		"negative span": func(o *Options) { o.SubsetLimit = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			bad := o
			mutate(&bad)
			if _, err := bad.ResolveAlign(); !errors.Is(err, faults.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ALIGN_DB", "/shared/run.db")
	t.Setenv("ALIGN_RANK", "2")
	t.Setenv("ALIGN_WORLD", "4")
	o, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if o.DB != "/shared/run.db" || o.Rank != 2 || o.World != 4 {
		t.Fatalf("env not applied: db=%s rank=%d world=%d", o.DB, o.Rank, o.World)
	}

	t.Setenv("ALIGN_WORLD", "four")
	if _, err := FromEnv(); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
