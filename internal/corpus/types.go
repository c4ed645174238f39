package corpus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region link
// Link connects a source word index to a target word index.
type Link struct {
	Source int
	Target int
}

// Links is an unordered set of alignment links.
type Links map[Link]struct{}

// ParseLinks reads space-separated "i-j" pairs. An empty line is an empty set.
func ParseLinks(line string) (Links, error) {
	links := make(Links)
	for _, tok := range strings.Fields(line) {
		i, j, ok := strings.Cut(tok, "-")
		if !ok {
			return nil, fmt.Errorf("%w: link %q is not of the form i-j", faults.ErrData, tok)
		}
		src, err := strconv.Atoi(i)
		if err != nil || src < 0 {
			return nil, fmt.Errorf("%w: bad source index in link %q", faults.ErrData, tok)
		}
		tgt, err := strconv.Atoi(j)
		if err != nil || tgt < 0 {
			return nil, fmt.Errorf("%w: bad target index in link %q", faults.ErrData, tok)
		}
		links[Link{Source: src, Target: tgt}] = struct{}{}
	}
	return links, nil
}

// Equal reports set equality.
func (l Links) Equal(o Links) bool {
	if len(l) != len(o) {
		return false
	}
	for k := range l {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

// Contains reports whether link is in the set.
func (l Links) Contains(link Link) bool {
	_, ok := l[link]
	return ok
}

// String renders the set as sorted "i-j" pairs.
func (l Links) String() string {
	sorted := make([]Link, 0, len(l))
	for k := range l {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(a, b int) bool {
		if sorted[a].Source != sorted[b].Source {
			return sorted[a].Source < sorted[b].Source
		}
		return sorted[a].Target < sorted[b].Target
	})
	parts := make([]string, len(sorted))
	for i, k := range sorted {
		parts[i] = fmt.Sprintf("%d-%d", k.Source, k.Target)
	}
	return strings.Join(parts, " ")
}
// #endregion link

// #region instance
// Instance is one sentence pair with its auxiliary structures.
type Instance struct {
	ID         int
	Source     []string
	Target     []string
	TargetTree string
	SourceTree string // "" when no source trees were supplied
	Gold       Links  // nil when no gold alignments were supplied
	A1         string // third-party alignments, raw "i-j" line
	A2         string
	Inverse    string
}
// #endregion instance

// #region paths
// Paths names the line-aligned input files of one data set. Source, Target and
// TargetTrees are required; the rest are optional.
type Paths struct {
	Source      string
	Target      string
	TargetTrees string
	SourceTrees string
	Gold        string
	A1          string
	A2          string
	Inverse     string
}
// #endregion paths
