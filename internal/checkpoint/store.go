// Package checkpoint persists per-rank perceptron state, the canonical averaged
// model, heldout counts and decoded alignments. Every read and write goes through the bounded retry.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/danielpatrickdp/align-trainer/internal/corpus"
	"github.com/danielpatrickdp/align-trainer/internal/eval"
	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/perceptron"
	"github.com/danielpatrickdp/align-trainer/internal/retry"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// Store layers training artifacts on an Artifacts backend.
type Store struct {
	art    Artifacts
	policy retry.Policy
}

// NewStore wraps art with policy.
func NewStore(art Artifacts, policy retry.Policy) *Store {
	return &Store{art: art, policy: policy}
}

// #region worker

// SaveWorker writes rank's local weights, running sum and epoch metrics in one
// batch, then drops that rank's checkpoints older than the retained window.
func (s *Store) SaveWorker(ctx context.Context, rank, epoch int, st perceptron.WorkerState, m perceptron.Metrics) error {
	local, err := json.Marshal(st.Local)
	if err != nil {
		return fmt.Errorf("encode local weights: %w", err)
	}
	sum, err := json.Marshal(st.Sum)
	if err != nil {
		return fmt.Errorf("encode running sum: %w", err)
	}
	stats, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	err = s.policy.Do(ctx, fmt.Sprintf("save worker %d epoch %d", rank, epoch), func(ctx context.Context) error {
		return s.art.Put(ctx,
			Artifact{Key: restartKey(rank, epoch), Payload: local},
			Artifact{Key: sumKey(rank, epoch), Payload: sum},
			Artifact{Key: statsKey(rank, epoch), Payload: stats},
		)
	})
	if err != nil {
		return err
	}

	if old := epoch - keepEpochs; old >= 0 {
		err := s.policy.Do(ctx, fmt.Sprintf("prune worker %d epoch %d", rank, old), func(ctx context.Context) error {
			return s.art.Delete(ctx, restartKey(rank, old), sumKey(rank, old), statsKey(rank, old), heldoutKey(rank, old))
		})
		if err != nil {
			return err
		}
	}
	log.Printf("[CKPT r%d] saved epoch %d (%d local keys, %d sum keys)", rank, epoch, st.Local.Len(), st.Sum.Len())
	return nil
}

// LoadWorker reads rank's checkpoint for epoch. ok is false when none exists.
func (s *Store) LoadWorker(ctx context.Context, rank, epoch int) (st perceptron.WorkerState, ok bool, err error) {
	local, okLocal, err := s.get(ctx, restartKey(rank, epoch))
	if err != nil {
		return perceptron.WorkerState{}, false, err
	}
	sum, okSum, err := s.get(ctx, sumKey(rank, epoch))
	if err != nil {
		return perceptron.WorkerState{}, false, err
	}
	if !okLocal || !okSum {
		return perceptron.WorkerState{}, false, nil
	}
	st.Local, err = decodeVector(restartKey(rank, epoch), local)
	if err != nil {
		return perceptron.WorkerState{}, false, err
	}
	st.Sum, err = decodeVector(sumKey(rank, epoch), sum)
	if err != nil {
		return perceptron.WorkerState{}, false, err
	}
	return st, true, nil
}

// LoadSum reads rank's running sum for epoch. The gather barrier guarantees it
// was written, so a missing artifact is treated as a transient I/O failure.
func (s *Store) LoadSum(ctx context.Context, rank, epoch int) (*svector.Vector, error) {
	key := sumKey(rank, epoch)
	payload, err := s.require(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeVector(key, payload)
}

// LoadStats reads rank's metrics for epoch.
func (s *Store) LoadStats(ctx context.Context, rank, epoch int) (perceptron.Metrics, error) {
	key := statsKey(rank, epoch)
	payload, err := s.require(ctx, key)
	if err != nil {
		return perceptron.Metrics{}, err
	}
	var m perceptron.Metrics
	if err := json.Unmarshal(payload, &m); err != nil {
		return perceptron.Metrics{}, fmt.Errorf("%w: decode %s: %v", faults.ErrData, key, err)
	}
	return m, nil
}

// #endregion worker

// #region canonical

// SaveCanonical overwrites the shared canonical model.
func (s *Store) SaveCanonical(ctx context.Context, c Canonical) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode canonical: %w", err)
	}
	err = s.policy.Do(ctx, "save canonical", func(ctx context.Context) error {
		return s.art.Put(ctx, Artifact{Key: canonicalKey, Payload: payload})
	})
	if err != nil {
		return err
	}
	log.Printf("[CKPT] canonical epoch %d version %s (%d keys)", c.Epoch, c.VersionID, c.Weights.Len())
	return nil
}

// LoadCanonical reads the shared canonical model. ok is false before the first epoch completed.
func (s *Store) LoadCanonical(ctx context.Context) (c Canonical, ok bool, err error) {
	payload, ok, err := s.get(ctx, canonicalKey)
	if err != nil || !ok {
		return Canonical{}, false, err
	}
	if err := json.Unmarshal(payload, &c); err != nil {
		return Canonical{}, false, fmt.Errorf("%w: decode canonical: %v", faults.ErrData, err)
	}
	if c.Weights == nil {
		c.Weights = svector.New()
	}
	return c, true, nil
}

// #endregion canonical

// #region heldout

// SaveHeldout writes rank's heldout link counts for epoch.
func (s *Store) SaveHeldout(ctx context.Context, rank, epoch int, c eval.Counts) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode heldout counts: %w", err)
	}
	return s.policy.Do(ctx, fmt.Sprintf("save heldout %d epoch %d", rank, epoch), func(ctx context.Context) error {
		return s.art.Put(ctx, Artifact{Key: heldoutKey(rank, epoch), Payload: payload})
	})
}

// LoadHeldout reads rank's heldout link counts for epoch.
func (s *Store) LoadHeldout(ctx context.Context, rank, epoch int) (eval.Counts, error) {
	key := heldoutKey(rank, epoch)
	payload, err := s.require(ctx, key)
	if err != nil {
		return eval.Counts{}, err
	}
	var c eval.Counts
	if err := json.Unmarshal(payload, &c); err != nil {
		return eval.Counts{}, fmt.Errorf("%w: decode %s: %v", faults.ErrData, key, err)
	}
	return c, nil
}

// #endregion heldout

// #region links

// SaveLinks writes the alignments rank decoded during run, keyed by instance id.
func (s *Store) SaveLinks(ctx context.Context, run string, rank int, links map[int]corpus.Links) error {
	lines := make(map[int]string, len(links))
	for id, l := range links {
		lines[id] = l.String()
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode links: %w", err)
	}
	return s.policy.Do(ctx, fmt.Sprintf("save links %d", rank), func(ctx context.Context) error {
		return s.art.Put(ctx, Artifact{Key: linksKey(run, rank), Payload: payload})
	})
}

// LoadLinks reads the alignments rank decoded during run.
func (s *Store) LoadLinks(ctx context.Context, run string, rank int) (map[int]corpus.Links, error) {
	key := linksKey(run, rank)
	payload, err := s.require(ctx, key)
	if err != nil {
		return nil, err
	}
	var lines map[int]string
	if err := json.Unmarshal(payload, &lines); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", faults.ErrData, key, err)
	}
	links := make(map[int]corpus.Links, len(lines))
	for id, line := range lines {
		l, err := corpus.ParseLinks(line)
		if err != nil {
			return nil, fmt.Errorf("%s instance %d: %w", key, id, err)
		}
		links[id] = l
	}
	return links, nil
}

// DropLinks removes the alignments of every rank of run.
func (s *Store) DropLinks(ctx context.Context, run string, size int) error {
	keys := make([]string, size)
	for r := range keys {
		keys[r] = linksKey(run, r)
	}
	return s.policy.Do(ctx, "drop links", func(ctx context.Context) error {
		return s.art.Delete(ctx, keys...)
	})
}

// #endregion links

// #region helpers

func (s *Store) get(ctx context.Context, key string) (payload []byte, ok bool, err error) {
	err = s.policy.Do(ctx, "read "+key, func(ctx context.Context) error {
		var err error
		payload, ok, err = s.art.Get(ctx, key)
		return err
	})
	return payload, ok, err
}

func (s *Store) require(ctx context.Context, key string) (payload []byte, err error) {
	err = s.policy.Do(ctx, "read "+key, func(ctx context.Context) error {
		p, ok, err := s.art.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: artifact %s not found", faults.ErrIO, key)
		}
		payload = p
		return nil
	})
	return payload, err
}

func decodeVector(key string, payload []byte) (*svector.Vector, error) {
	v := svector.New()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// #endregion helpers
