package checkpoint

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// canonicalKey holds the single shared averaged model, overwritten each epoch.
const canonicalKey = "canonical"

// keepEpochs is how many epochs of worker checkpoints each rank retains.
const keepEpochs = 2

// Canonical is the averaged, regularized model published by rank 0.
type Canonical struct {
	VersionID string          `json:"version_id"`
	Epoch     int             `json:"epoch"`
	Weights   *svector.Vector `json:"weights"`
	CreatedAt time.Time       `json:"created_at"`
}

func restartKey(rank, epoch int) string { return fmt.Sprintf("restart.%d.%d", rank, epoch) }
func sumKey(rank, epoch int) string     { return fmt.Sprintf("sum.%d.%d", rank, epoch) }
func statsKey(rank, epoch int) string   { return fmt.Sprintf("stats.%d.%d", rank, epoch) }
func heldoutKey(rank, epoch int) string { return fmt.Sprintf("heldout.%d.%d", rank, epoch) }

// linksKey scopes decoded alignments to one align run.
func linksKey(run string, rank int) string { return fmt.Sprintf("links.%s.%d", run, rank) }
