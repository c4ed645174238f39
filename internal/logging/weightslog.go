package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
	"github.com/danielpatrickdp/align-trainer/internal/svector"
)

const maxLogLine = 256 << 20

// #region training-log

// TrainingLog appends one published weight vector per epoch, one JSON object per line.
type TrainingLog struct {
	path string
}

// NewTrainingLog returns a log writing to path. A fresh run truncates the file;
// a resumed run keeps the first keep lines and appends after them.
func NewTrainingLog(path string, keep int) (*TrainingLog, error) {
	var lines [][]byte
	if keep > 0 {
		existing, err := readLines(path)
		if err != nil {
			return nil, err
		}
		if len(existing) < keep {
			return nil, fmt.Errorf("%w: training log %s has %d epochs, resuming needs %d",
				faults.ErrData, path, len(existing), keep)
		}
		lines = existing[:keep]
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: create training log: %v", faults.ErrIO, err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.Write(append(l, '\n')); err != nil {
			return nil, fmt.Errorf("%w: rewrite training log: %v", faults.ErrIO, err)
		}
	}
	return &TrainingLog{path: path}, nil
}

// Append writes w as the next epoch's line.
func (l *TrainingLog) Append(w *svector.Vector) error {
	line, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open training log: %v", faults.ErrIO, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("%w: append training log: %v", faults.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close training log: %v", faults.ErrIO, err)
	}
	return nil
}

// #endregion training-log

// #region read

// ReadEpoch returns the vector logged for epoch (0-based).
func ReadEpoch(path string, epoch int) (*svector.Vector, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if epoch < 0 || epoch >= len(lines) {
		return nil, fmt.Errorf("%w: epoch %d not in training log (%d epochs)", faults.ErrConfiguration, epoch, len(lines))
	}
	v := svector.New()
	if err := json.Unmarshal(lines[epoch], v); err != nil {
		return nil, fmt.Errorf("epoch %d: %w", epoch, err)
	}
	return v, nil
}

// WriteVector writes w as a single-record weight file.
func WriteVector(path string, w *svector.Vector) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", faults.ErrIO, path, err)
	}
	return nil
}

// ReadVector reads a single-record weight file.
func ReadVector(path string) (*svector.Vector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", faults.ErrConfiguration, path, err)
	}
	v := svector.New()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open training log: %v", faults.ErrConfiguration, err)
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), maxLogLine)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: read training log: %v", faults.ErrIO, err)
	}
	return out, nil
}

// #endregion read
