package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// #region link-tests
func TestParseLinks(t *testing.T) {
	links, err := ParseLinks("0-1 2-3 2-3 4-0")
	if err != nil {
		t.Fatalf("ParseLinks: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("expected 3 distinct links, got %d", len(links))
	}
	if !links.Contains(Link{Source: 2, Target: 3}) {
		t.Fatal("expected link 2-3")
	}
	if links.String() != "0-1 2-3 4-0" {
		t.Fatalf("unexpected rendering %q", links.String())
	}
}

func TestParseLinksEmpty(t *testing.T) {
	links, err := ParseLinks("   ")
	if err != nil {
		t.Fatalf("ParseLinks: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("expected empty set, got %v", links)
	}
}

func TestParseLinksMalformed(t *testing.T) {
	for _, line := range []string{"0-", "a-1", "1-b", "3", "-1-2"} {
		if _, err := ParseLinks(line); !errors.Is(err, faults.ErrData) {
			t.Errorf("%q: expected ErrData, got %v", line, err)
		}
	}
}

func TestLinksEqualIsSetComparison(t *testing.T) {
	a, _ := ParseLinks("0-0 1-1")
	b, _ := ParseLinks("1-1 0-0")
	c, _ := ParseLinks("0-0 1-2")
	if !a.Equal(b) {
		t.Error("expected order-insensitive equality")
	}
	if a.Equal(c) {
		t.Error("expected inequality")
	}
}

// #endregion link-tests

// #region load-tests
func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		Source:      writeFile(t, dir, "f", "das haus\nein buch\n"),
		Target:      writeFile(t, dir, "e", "the house\na book\n"),
		TargetTrees: writeFile(t, dir, "etrees", "(S (DT the) (NN house))\n(S (DT a) (NN book))\n"),
		Gold:        writeFile(t, dir, "gold", "0-0 1-1\n0-0 1-1\n"),
	}
	instances, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	if instances[1].ID != 1 || instances[1].Source[1] != "buch" || instances[1].Target[0] != "a" {
		t.Fatalf("unexpected instance: %+v", instances[1])
	}
	if len(instances[0].Gold) != 2 {
		t.Fatalf("expected 2 gold links, got %d", len(instances[0].Gold))
	}
	if instances[0].SourceTree != "" {
		t.Fatal("expected empty source tree when not supplied")
	}
}

func TestLoadLineCountMismatch(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		Source:      writeFile(t, dir, "f", "a\nb\n"),
		Target:      writeFile(t, dir, "e", "a\n"),
		TargetTrees: writeFile(t, dir, "etrees", "t\nt\n"),
	}
	if _, err := Load(p); !errors.Is(err, faults.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestLoadBadGold(t *testing.T) {
	dir := t.TempDir()
	p := Paths{
		Source:      writeFile(t, dir, "f", "a\n"),
		Target:      writeFile(t, dir, "e", "a\n"),
		TargetTrees: writeFile(t, dir, "etrees", "t\n"),
		Gold:        writeFile(t, dir, "gold", "0:0\n"),
	}
	if _, err := Load(p); !errors.Is(err, faults.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	if _, err := Load(Paths{Source: "x"}); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	dir := t.TempDir()
	p := Paths{
		Source:      filepath.Join(dir, "absent"),
		Target:      filepath.Join(dir, "absent"),
		TargetTrees: filepath.Join(dir, "absent"),
	}
	if _, err := Load(p); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for missing file, got %v", err)
	}
}

// #endregion load-tests

// #region vocab-tests
func TestLoadVocab(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vcb", "house 12\nbook 3\n")
	vocab, err := LoadVocab(path)
	if err != nil {
		t.Fatalf("LoadVocab: %v", err)
	}
	for _, w := range []string{"house", "book", NullToken} {
		if _, ok := vocab[w]; !ok {
			t.Errorf("expected %q in vocab", w)
		}
	}
}

func TestLoadVocabEmptyLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vcb", "house\n\nbook\n")
	if _, err := LoadVocab(path); !errors.Is(err, faults.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

// #endregion vocab-tests

// #region table-tests
func TestLoadTableFiltersByVocab(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "pef", "house Haus 0.7\nhome Haus 0.2\nbook Buch 0.9\n")
	evcb := map[string]struct{}{"house": {}, "book": {}}
	fvcb := map[string]struct{}{"Haus": {}}

	tbl, err := LoadTable(path, evcb, fvcb)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if got := tbl.Prob("house", "Haus"); got != 0.7 {
		t.Fatalf("expected 0.7, got %f", got)
	}
	if tbl.Prob("home", "Haus") != 0 || tbl.Prob("book", "Buch") != 0 {
		t.Fatalf("out-of-vocabulary rows kept: %v", tbl)
	}

	all, err := LoadTable(path, nil, nil)
	if err != nil {
		t.Fatalf("LoadTable nil vocab: %v", err)
	}
	if all.Prob("book", "Buch") != 0.9 {
		t.Fatalf("nil vocabulary should keep every row: %v", all)
	}
}

func TestLoadTableMalformed(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"short": "house Haus\n",
		"prob":  "house Haus high\n",
	} {
		path := writeFile(t, dir, name, content)
		if _, err := LoadTable(path, nil, nil); !errors.Is(err, faults.ErrData) {
			t.Errorf("%s: expected ErrData, got %v", name, err)
		}
	}
}

// #endregion table-tests
