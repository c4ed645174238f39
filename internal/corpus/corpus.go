// Package corpus loads line-aligned training and heldout data.
package corpus

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

const maxLineBytes = 16 << 20

// NullToken is always part of a vocabulary.
const NullToken = "*NULL*"

// #region load

// Load reads every file named in p and zips them into instances.
// All supplied files must have the same number of lines.
func Load(p Paths) ([]Instance, error) {
	if p.Source == "" || p.Target == "" || p.TargetTrees == "" {
		return nil, fmt.Errorf("%w: source, target and target tree files are required", faults.ErrConfiguration)
	}

	src, err := readLines(p.Source)
	if err != nil {
		return nil, err
	}
	n := len(src)

	var tgt, etree, ftree, gold, a1, a2, inv []string
	columns := []struct {
		path string
		dst  *[]string
	}{
		{p.Target, &tgt},
		{p.TargetTrees, &etree},
		{p.SourceTrees, &ftree},
		{p.Gold, &gold},
		{p.A1, &a1},
		{p.A2, &a2},
		{p.Inverse, &inv},
	}
	for _, c := range columns {
		if c.path == "" {
			continue
		}
		lines, err := readLines(c.path)
		if err != nil {
			return nil, err
		}
		if len(lines) != n {
			return nil, fmt.Errorf("%w: %s has %d lines, %s has %d", faults.ErrData, c.path, len(lines), p.Source, n)
		}
		*c.dst = lines
	}

	instances := make([]Instance, n)
	for i := range instances {
		inst := Instance{
			ID:         i,
			Source:     strings.Fields(src[i]),
			Target:     strings.Fields(tgt[i]),
			TargetTree: etree[i],
		}
		if ftree != nil {
			inst.SourceTree = ftree[i]
		}
		if gold != nil {
			links, err := ParseLinks(gold[i])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %w", p.Gold, i+1, err)
			}
			inst.Gold = links
		}
		if a1 != nil {
			inst.A1 = a1[i]
		}
		if a2 != nil {
			inst.A2 = a2[i]
		}
		if inv != nil {
			inst.Inverse = inv[i]
		}
		instances[i] = inst
	}
	return instances, nil
}

// #endregion load

// #region vocab

// LoadVocab reads the first column of every line into a set that always contains NullToken.
func LoadVocab(path string) (map[string]struct{}, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	vocab := map[string]struct{}{NullToken: {}}
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: %s line %d is empty", faults.ErrData, path, i+1)
		}
		vocab[fields[0]] = struct{}{}
	}
	return vocab, nil
}

// #endregion vocab

// #region table

// Table is a lexical translation table: Table[given][word] = p(word|given).
type Table map[string]map[string]float64

// Prob returns p(word|given), or 0 when the pair is absent.
func (t Table) Prob(word, given string) float64 {
	return t[given][word]
}

// LoadTable reads "<word> <given> <prob>" rows. Rows whose word is outside
// wordVocab or whose given is outside givenVocab are skipped; a nil vocabulary
// keeps everything. A malformed row fails with faults.ErrData.
func LoadTable(path string, wordVocab, givenVocab map[string]struct{}) (Table, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	t := make(Table)
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %s line %d: expected 3 columns, got %d", faults.ErrData, path, i+1, len(fields))
		}
		p, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: bad probability %q", faults.ErrData, path, i+1, fields[2])
		}
		word, given := fields[0], fields[1]
		if !inVocab(wordVocab, word) || !inVocab(givenVocab, given) {
			continue
		}
		row, ok := t[given]
		if !ok {
			row = make(map[string]float64)
			t[given] = row
		}
		row[word] = p
	}
	return t, nil
}

func inVocab(v map[string]struct{}, w string) bool {
	if v == nil {
		return true
	}
	_, ok := v[w]
	return ok
}

// #endregion table

// #region helpers
func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", faults.ErrConfiguration, path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", faults.ErrData, path, err)
	}
	return lines, nil
}
// #endregion helpers
