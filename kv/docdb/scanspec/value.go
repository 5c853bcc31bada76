package scanspec

import (
	"fmt"

	"github.com/pingcap/errors"
)

type ValueKind byte

const (
	KindNull ValueKind = iota
	KindInt
	KindString
)

// Value is a single column value.
type Value struct {
	Kind ValueKind
	I    int64
	S    string
}

var NullValue = Value{}

func IntValue(i int64) Value {
	return Value{Kind: KindInt, I: i}
}

func StringValue(s string) Value {
	return Value{Kind: KindString, S: s}
}

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Compare orders null first. Values of different non-null kinds are not comparable.
func (v Value) Compare(o Value) (int, error) {
	if v.IsNull() || o.IsNull() {
		switch {
		case v.IsNull() && o.IsNull():
			return 0, nil
		case v.IsNull():
			return -1, nil
		default:
			return 1, nil
		}
	}
	if v.Kind != o.Kind {
		return 0, errors.Errorf("cannot compare %v with %v", v, o)
	}
	switch v.Kind {
	case KindInt:
		switch {
		case v.I < o.I:
			return -1, nil
		case v.I > o.I:
			return 1, nil
		}
		return 0, nil
	default:
		switch {
		case v.S < o.S:
			return -1, nil
		case v.S > o.S:
			return 1, nil
		}
		return 0, nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindString:
		return fmt.Sprintf("%q", v.S)
	}
	return "null"
}
