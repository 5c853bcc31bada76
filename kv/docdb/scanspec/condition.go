package scanspec

import (
	"github.com/pingcap/errors"
)

type Op int

const (
	OpAnd Op = iota
	OpOr
	OpNot
	OpEqual
	OpLessThan
	OpLessEqual
	OpGreaterThan
	OpGreaterEqual
	OpBetween
)

var opNames = map[Op]string{
	OpAnd:          "AND",
	OpOr:           "OR",
	OpNot:          "NOT",
	OpEqual:        "=",
	OpLessThan:     "<",
	OpLessEqual:    "<=",
	OpGreaterThan:  ">",
	OpGreaterEqual: ">=",
	OpBetween:      "BETWEEN",
}

func (op Op) String() string {
	return opNames[op]
}

// Condition is a WHERE clause tree. Logical ops use Operands, comparisons use Column and Values.
type Condition struct {
	Op       Op
	Column   int32
	Values   []Value
	Operands []*Condition
}

func And(conds ...*Condition) *Condition {
	return &Condition{Op: OpAnd, Operands: conds}
}

func Or(conds ...*Condition) *Condition {
	return &Condition{Op: OpOr, Operands: conds}
}

func Not(cond *Condition) *Condition {
	return &Condition{Op: OpNot, Operands: []*Condition{cond}}
}

func Compare(op Op, col int32, v Value) *Condition {
	return &Condition{Op: op, Column: col, Values: []Value{v}}
}

func Between(col int32, lower, upper Value) *Condition {
	return &Condition{Op: OpBetween, Column: col, Values: []Value{lower, upper}}
}

func (c *Condition) validate() error {
	switch c.Op {
	case OpAnd, OpOr:
		if len(c.Operands) == 0 {
			return errors.Errorf("%v without operands", c.Op)
		}
	case OpNot:
		if len(c.Operands) != 1 {
			return errors.Errorf("NOT takes one operand, got %d", len(c.Operands))
		}
	case OpBetween:
		if len(c.Values) != 2 {
			return errors.Errorf("BETWEEN takes two values, got %d", len(c.Values))
		}
	case OpEqual, OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		if len(c.Values) != 1 {
			return errors.Errorf("%v takes one value, got %d", c.Op, len(c.Values))
		}
	default:
		return errors.Errorf("unknown condition op %d", c.Op)
	}
	for _, o := range c.Operands {
		if err := o.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates the condition against a row of column id to value. A missing column is null,
// and any comparison with null is false.
func (c *Condition) Eval(row map[int32]Value) (bool, error) {
	switch c.Op {
	case OpAnd:
		for _, o := range c.Operands {
			ok, err := o.Eval(row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, o := range c.Operands {
			ok, err := o.Eval(row)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	case OpNot:
		ok, err := c.Operands[0].Eval(row)
		return !ok && err == nil, err
	}

	v := row[c.Column]
	if v.IsNull() {
		return false, nil
	}
	cmp, err := v.Compare(c.Values[0])
	if err != nil {
		return false, err
	}
	switch c.Op {
	case OpEqual:
		return cmp == 0, nil
	case OpLessThan:
		return cmp < 0, nil
	case OpLessEqual:
		return cmp <= 0, nil
	case OpGreaterThan:
		return cmp > 0, nil
	case OpGreaterEqual:
		return cmp >= 0, nil
	case OpBetween:
		if cmp < 0 {
			return false, nil
		}
		cmp, err = v.Compare(c.Values[1])
		return cmp <= 0, err
	}
	return false, errors.Errorf("unknown condition op %d", c.Op)
}
