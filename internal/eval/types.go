package eval

// #region counts
// Counts are the link tallies F-measure is computed from.
type Counts struct {
	Correct int `json:"correct"` // links in both model output and gold
	Model   int `json:"model"`   // links in model output
	Gold    int `json:"gold"`    // links in gold
}

// Add returns the componentwise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{Correct: c.Correct + o.Correct, Model: c.Model + o.Model, Gold: c.Gold + o.Gold}
}

// #endregion counts

// #region score
// Score is precision, recall and balanced F-measure.
type Score struct {
	Precision float64
	Recall    float64
	F         float64
}

// #endregion score

// #region result
// Result is the heldout evaluation of one canonical model.
type Result struct {
	Epoch  int
	Counts Counts
	Score  Score
}

// #endregion result
