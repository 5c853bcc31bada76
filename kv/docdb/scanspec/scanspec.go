package scanspec

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/kv"
)

// Range is the inclusive value range of one column. A nil bound is unbounded.
type Range struct {
	Lower *Value
	Upper *Value
}

// ScanRange derives the range column bounds of a scan from its WHERE condition. Only
// comparisons reachable through AND narrow the range.
type ScanRange struct {
	schema *Schema
	ranges map[int32]*Range
}

func NewScanRange(schema *Schema, cond *Condition) (*ScanRange, error) {
	r := &ScanRange{schema: schema, ranges: make(map[int32]*Range)}
	if cond == nil {
		return r, nil
	}
	if err := cond.validate(); err != nil {
		return nil, err
	}
	if err := r.collect(cond); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ScanRange) collect(cond *Condition) error {
	switch cond.Op {
	case OpAnd:
		for _, o := range cond.Operands {
			if err := r.collect(o); err != nil {
				return err
			}
		}
		return nil
	case OpOr, OpNot:
		return nil
	}
	if !r.schema.IsRangeColumn(cond.Column) {
		return nil
	}
	switch cond.Op {
	case OpEqual:
		return r.narrow(cond.Column, &cond.Values[0], &cond.Values[0])
	case OpLessThan, OpLessEqual:
		return r.narrow(cond.Column, nil, &cond.Values[0])
	case OpGreaterThan, OpGreaterEqual:
		return r.narrow(cond.Column, &cond.Values[0], nil)
	case OpBetween:
		return r.narrow(cond.Column, &cond.Values[0], &cond.Values[1])
	}
	return nil
}

func (r *ScanRange) narrow(col int32, lower, upper *Value) error {
	rng, ok := r.ranges[col]
	if !ok {
		rng = new(Range)
		r.ranges[col] = rng
	}
	if lower != nil {
		if rng.Lower == nil {
			rng.Lower = lower
		} else if cmp, err := lower.Compare(*rng.Lower); err != nil {
			return err
		} else if cmp > 0 {
			rng.Lower = lower
		}
	}
	if upper != nil {
		if rng.Upper == nil {
			rng.Upper = upper
		} else if cmp, err := upper.Compare(*rng.Upper); err != nil {
			return err
		} else if cmp < 0 {
			rng.Upper = upper
		}
	}
	return nil
}

// RangeValues returns the inclusive lower or upper values of all range columns in schema order.
// Unless every range column has that bound, the result is empty.
func (r *ScanRange) RangeValues(lower bool) []Value {
	cols := r.schema.RangeColumns()
	vals := make([]Value, 0, len(cols))
	for _, c := range cols {
		rng, ok := r.ranges[c.ID]
		if !ok {
			return nil
		}
		bound := rng.Upper
		if lower {
			bound = rng.Lower
		}
		if bound == nil {
			return nil
		}
		vals = append(vals, *bound)
	}
	return vals
}

func (r *ScanRange) Schema() *Schema {
	return r.schema
}

// ScanSpec is a scan of one hash key: bounds from the condition and a row filter.
type ScanSpec struct {
	hashCode uint32
	hashed   []Value
	cond     *Condition
	rng      *ScanRange
}

func NewScanSpec(schema *Schema, hashCode uint32, hashed []Value, cond *Condition) (*ScanSpec, error) {
	if len(hashed) != len(schema.HashColumns()) {
		return nil, errors.Errorf("expect %d hashed components, got %d", len(schema.HashColumns()), len(hashed))
	}
	rng, err := NewScanRange(schema, cond)
	if err != nil {
		return nil, err
	}
	return &ScanSpec{hashCode: hashCode, hashed: hashed, cond: cond, rng: rng}, nil
}

// LowerBound is the inclusive lower doc key.
func (s *ScanSpec) LowerBound() DocKey {
	return s.rangeDocKey(true)
}

// UpperBound is the inclusive upper doc key.
func (s *ScanSpec) UpperBound() DocKey {
	return s.rangeDocKey(false)
}

func (s *ScanSpec) rangeDocKey(lower bool) DocKey {
	return DocKey{HashCode: s.hashCode, Hashed: s.hashed, Range: s.rng.RangeValues(lower)}
}

// KeyRange returns the encoded [start, end) range covering every key between the bounds.
func (s *ScanSpec) KeyRange() (start, end []byte) {
	start = s.LowerBound().Encode()
	end = kv.Key(s.UpperBound().Encode()).PrefixNext()
	return start, end
}

// Match evaluates the condition on a row. A spec without condition matches every row.
func (s *ScanSpec) Match(row map[int32]Value) (bool, error) {
	if s.cond == nil {
		return true, nil
	}
	return s.cond.Eval(row)
}
