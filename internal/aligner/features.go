package aligner

import (
	"fmt"
	"sort"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region feature-set

// FeatureSet names the local and nonlocal feature extractors the alignment
// service scores hypotheses with.
type FeatureSet struct {
	Name     string
	Local    []string
	Nonlocal []string
}

var generic = FeatureSet{
	Name: "generic",
	Local: []string{
		"ff_identity", "ff_jumpDistance", "ff_finalPeriod", "ff_lexprob_zero",
		"ff_probEgivenF", "ff_probFgivenE", "ff_distToDiag", "ff_isLinkedToNullWord",
		"ff_isPuncAndHasMoreThanOneLink", "ff_quote1to1", "ff_unalignedNonfinalPeriod",
		"ff_nonfinalPeriodLinkedToComma", "ff_nonPeriodLinkedToPeriod",
		"ff_nonfinalPeriodLinkedToFinalPeriod", "ff_tgtTag_srcTag", "ff_thirdParty",
	},
	Nonlocal: []string{
		"nonlocal_hyperEdgeScore", "nonlocal_sameWordLinks",
		"nonlocal_horizGridDistance", "nonlocal_verticalGridDistance",
		"nonlocal_crossingLinks", "nonlocal_chineseNumberLinks",
	},
}

// registry holds every feature set selectable by language pair.
var registry = map[string]FeatureSet{
	"generic": generic,
	"ar_en": extend(generic, "ar_en",
		[]string{"ff_arabicPrefixLinkedToFunctionWord", "ff_arabicDeterminer"},
		nil),
	"zh_en": extend(generic, "zh_en",
		[]string{"ff_chineseMeasureWord", "ff_chineseDE"},
		[]string{"nonlocal_chineseCompoundLinks"}),
}

func extend(base FeatureSet, name string, local, nonlocal []string) FeatureSet {
	return FeatureSet{
		Name:     name,
		Local:    append(append([]string(nil), base.Local...), local...),
		Nonlocal: append(append([]string(nil), base.Nonlocal...), nonlocal...),
	}
}

// Lookup resolves a language pair to its feature set. The empty name selects generic.
func Lookup(langPair string) (FeatureSet, error) {
	if langPair == "" {
		return generic, nil
	}
	fs, ok := registry[langPair]
	if !ok {
		return FeatureSet{}, fmt.Errorf("%w: no feature set for language pair %q (known: %v)", faults.ErrConfiguration, langPair, Names())
	}
	return fs, nil
}

// Names lists the registered language pairs.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// #endregion feature-set
