package perceptron

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// #region role
// Role names one of the hypotheses the aligner produces for an instance.
type Role string

const (
	RoleGold    Role = "gold"
	RoleHope    Role = "hope"
	RoleOneBest Role = "1best"
	RoleFear    Role = "fear"
)

// ParseOracle accepts "gold" or "hope".
func ParseOracle(s string) (Role, error) {
	switch Role(s) {
	case RoleGold, RoleHope:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown oracle %q (want gold or hope)", faults.ErrConfiguration, s)
}

// ParseHypothesis accepts "1best" or "fear".
func ParseHypothesis(s string) (Role, error) {
	switch Role(s) {
	case RoleOneBest, RoleFear:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown hypothesis %q (want 1best or fear)", faults.ErrConfiguration, s)
}
// #endregion role

// #region hypothesis
// Hypothesis is one candidate alignment with the feature scores that produced it.
type Hypothesis struct {
	Links    corpus.Links
	Features *svector.Vector
}

// Hypotheses holds every role the aligner produced for one instance.
type Hypotheses struct {
	Gold    Hypothesis
	Hope    Hypothesis
	OneBest Hypothesis
	Fear    Hypothesis
}

// Select returns the hypothesis playing role.
func (h Hypotheses) Select(role Role) (Hypothesis, error) {
	switch role {
	case RoleGold:
		return h.Gold, nil
	case RoleHope:
		return h.Hope, nil
	case RoleOneBest:
		return h.OneBest, nil
	case RoleFear:
		return h.Fear, nil
	}
	return Hypothesis{}, fmt.Errorf("%w: unknown role %q", faults.ErrConfiguration, role)
}
// #endregion hypothesis

// #region aligner
// Aligner decodes one instance under the given weights. The weights are a
// read-only snapshot; implementations must not modify them.
type Aligner interface {
	Align(ctx context.Context, inst corpus.Instance, weights *svector.Vector) (Hypotheses, error)
}
// #endregion aligner

// #region config
// Config holds the update rule parameters.
type Config struct {
	LearningRate float64
	Oracle       Role
	Hypothesis   Role
	// Allowed restricts both feature vectors to these keys before the update
	// (debiasing). nil disables the filter.
	Allowed map[string]struct{}
}

// DefaultConfig returns the plain perceptron: rate 1, gold oracle, 1-best hypothesis.
func DefaultConfig() Config {
	return Config{
		LearningRate: 1.0,
		Oracle:       RoleGold,
		Hypothesis:   RoleOneBest,
	}
}

// Validate rejects unknown selectors and non-positive rates.
func (c Config) Validate() error {
	if _, err := ParseOracle(string(c.Oracle)); err != nil {
		return err
	}
	if _, err := ParseHypothesis(string(c.Hypothesis)); err != nil {
		return err
	}
	if !(c.LearningRate > 0) {
		return fmt.Errorf("%w: learning rate must be positive, got %v", faults.ErrConfiguration, c.LearningRate)
	}
	return nil
}
// #endregion config

// #region worker-state
// WorkerState is owned and mutated by a single worker.
// Sum accumulates Local after every processed instance over the whole run.
type WorkerState struct {
	Local *svector.Vector
	Sum   *svector.Vector
}

// NewWorkerState seeds Local from initial (copied, may be nil) with an empty Sum.
func NewWorkerState(initial *svector.Vector) WorkerState {
	return WorkerState{Local: initial.Copy(), Sum: svector.New()}
}
// #endregion worker-state

// #region metrics
// Metrics summarizes a pass over a worker's share.
type Metrics struct {
	Processed int
	Changed   int
}
// #endregion metrics
