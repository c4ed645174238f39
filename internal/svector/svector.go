// Package svector implements the sparse string-keyed weight vector used for
// feature scores and model weights.
//
// Absent keys read as exactly zero and are never inserted by a read. Writing an
// explicit zero does insert the key; callers that want the key gone use Delete.
package svector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region vector

// Vector maps feature keys to real-valued weights.
// The zero value is not usable; construct with New or FromMap.
type Vector struct {
	w map[string]float64
}

// New returns an empty vector.
func New() *Vector {
	return &Vector{w: make(map[string]float64)}
}

// FromMap returns a vector holding a copy of m.
func FromMap(m map[string]float64) *Vector {
	v := &Vector{w: make(map[string]float64, len(m))}
	for k, x := range m {
		v.w[k] = x
	}
	return v
}

// #endregion vector

// #region access

// Get returns the weight stored under key, or 0 if the key is absent. It never mutates v.
func (v *Vector) Get(key string) float64 {
	if v == nil {
		return 0
	}
	return v.w[key]
}

// Has reports whether key is stored, including keys explicitly set to zero.
func (v *Vector) Has(key string) bool {
	if v == nil {
		return false
	}
	_, ok := v.w[key]
	return ok
}

// Set stores value under key, even when value is zero.
func (v *Vector) Set(key string, value float64) {
	v.w[key] = value
}

// Delete removes key so that it reads as implicit zero.
func (v *Vector) Delete(key string) {
	delete(v.w, key)
}

// Len returns the number of stored keys.
func (v *Vector) Len() int {
	if v == nil {
		return 0
	}
	return len(v.w)
}

// Keys returns the stored keys in sorted order.
func (v *Vector) Keys() []string {
	if v == nil {
		return nil
	}
	keys := make([]string, 0, len(v.w))
	for k := range v.w {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Range calls fn for every stored key until fn returns false.
// Iteration order is unspecified. fn may Delete the key it is visiting.
func (v *Vector) Range(fn func(key string, weight float64) bool) {
	if v == nil {
		return
	}
	for k, x := range v.w {
		if !fn(k, x) {
			return
		}
	}
}

// Copy returns an independent copy of v.
func (v *Vector) Copy() *Vector {
	if v == nil {
		return New()
	}
	return FromMap(v.w)
}

// Map returns a copy of the stored entries.
func (v *Vector) Map() map[string]float64 {
	return v.Copy().w
}

// Equal reports whether v and o store exactly the same keys with the same weights.
func (v *Vector) Equal(o *Vector) bool {
	if v.Len() != o.Len() {
		return false
	}
	if v.Len() == 0 {
		return true
	}
	for k, x := range v.w {
		y, ok := o.w[k]
		if !ok || x != y {
			return false
		}
	}
	return true
}

// #endregion access

// #region algebra

func checkOperands(op string, a, b *Vector) error {
	if a == nil || b == nil {
		return fmt.Errorf("%w: %s requires two vectors", faults.ErrTypeMismatch, op)
	}
	return nil
}

func checkScalar(op string, k float64) error {
	if math.IsNaN(k) || math.IsInf(k, 0) {
		return fmt.Errorf("%w: %s requires a finite scalar, got %v", faults.ErrTypeMismatch, op, k)
	}
	return nil
}

// Add returns a+b over the union of keys.
func Add(a, b *Vector) (*Vector, error) {
	if err := checkOperands("add", a, b); err != nil {
		return nil, err
	}
	c := a.Copy()
	for k, x := range b.w {
		c.w[k] += x
	}
	return c, nil
}

// Subtract returns a-b over the union of keys.
func Subtract(a, b *Vector) (*Vector, error) {
	if err := checkOperands("subtract", a, b); err != nil {
		return nil, err
	}
	c := a.Copy()
	for k, x := range b.w {
		c.w[k] -= x
	}
	return c, nil
}

// Scale returns a*k.
func Scale(a *Vector, k float64) (*Vector, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: scale requires a vector", faults.ErrTypeMismatch)
	}
	if err := checkScalar("scale", k); err != nil {
		return nil, err
	}
	c := a.Copy()
	for key := range c.w {
		c.w[key] *= k
	}
	return c, nil
}

// Divide returns a/k. Division by zero fails with faults.ErrArithmetic.
func Divide(a *Vector, k float64) (*Vector, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: divide requires a vector", faults.ErrTypeMismatch)
	}
	if err := checkScalar("divide", k); err != nil {
		return nil, err
	}
	if k == 0 {
		return nil, fmt.Errorf("%w: divide by zero", faults.ErrArithmetic)
	}
	c := a.Copy()
	for key := range c.w {
		c.w[key] /= k
	}
	return c, nil
}

// Dot returns the sum of a[k]*b[k] over the keys stored in a.
func Dot(a, b *Vector) (float64, error) {
	if err := checkOperands("dot", a, b); err != nil {
		return 0, err
	}
	var s float64
	for k, x := range a.w {
		s += x * b.Get(k)
	}
	return s, nil
}

// AddInPlace adds o into v.
func (v *Vector) AddInPlace(o *Vector) error {
	if err := checkOperands("add", v, o); err != nil {
		return err
	}
	for k, x := range o.w {
		v.w[k] += x
	}
	return nil
}

// AddScaled adds k*o into v without materializing k*o.
func (v *Vector) AddScaled(o *Vector, k float64) error {
	if err := checkOperands("add", v, o); err != nil {
		return err
	}
	if err := checkScalar("scale", k); err != nil {
		return err
	}
	for key, x := range o.w {
		v.w[key] += k * x
	}
	return nil
}

// #endregion algebra

// #region filter

// Retain deletes every key for which keep returns false.
func (v *Vector) Retain(keep func(key string) bool) {
	for k := range v.w {
		if !keep(k) {
			delete(v.w, k)
		}
	}
}

// #endregion filter

// #region encoding

// MarshalJSON encodes v as a JSON object of key to weight. Keys are emitted in
// sorted order, so equal vectors encode to identical bytes.
func (v *Vector) MarshalJSON() ([]byte, error) {
	if v == nil || v.w == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v.w)
}

// UnmarshalJSON decodes a JSON object of key to number. Non-numeric weights fail with faults.ErrData.
func (v *Vector) UnmarshalJSON(data []byte) error {
	m := make(map[string]float64)
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: decode weight vector: %v", faults.ErrData, err)
	}
	if m == nil {
		m = make(map[string]float64)
	}
	v.w = m
	return nil
}

// #endregion encoding
