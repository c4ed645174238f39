// Package regularize applies the L1 soft-threshold projection to a weight vector.
package regularize

import (
	"strings"

	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

// #region config

// DefaultExemptSuffix marks feature keys that are never shrunk.
const DefaultExemptSuffix = "_nb"

// Config holds the projection switches. The exemption suffix and the
// negative-only policy are independent: an exempt key is skipped whatever
// NegativeOnly says, and NegativeOnly never makes a key exempt.
type Config struct {
	Tau          *float64 // nil disables the projection
	NegativeOnly bool     // shrink and drop negative weights only
	ExemptSuffix string   // keys ending with this suffix are skipped; "" exempts nothing
}

// #endregion config

// #region result

// Result counts what a projection did.
type Result struct {
	Dropped int
	Shrunk  int
	Exempt  int
}

// #endregion result

// #region project

// Project soft-thresholds w in place by tau:
// weights with magnitude <= tau are deleted, larger ones move toward zero by
// exactly tau and never change sign. Stored zeros are deleted.
func Project(w *svector.Vector, cfg Config) Result {
	var res Result
	if cfg.Tau == nil || w == nil {
		return res
	}
	tau := *cfg.Tau

	for _, k := range w.Keys() {
		x := w.Get(k)
		if cfg.ExemptSuffix != "" && strings.HasSuffix(k, cfg.ExemptSuffix) {
			res.Exempt++
			continue
		}
		switch {
		case x == 0:
			w.Delete(k)
			res.Dropped++
		case x > 0 && cfg.NegativeOnly:
			// positive weights are left alone under the negative-only policy
		case x > 0 && x <= tau:
			w.Delete(k)
			res.Dropped++
		case x > 0:
			w.Set(k, x-tau)
			res.Shrunk++
		case x >= -tau:
			w.Delete(k)
			res.Dropped++
		default:
			w.Set(k, x+tau)
			res.Shrunk++
		}
	}
	return res
}

// #endregion project
