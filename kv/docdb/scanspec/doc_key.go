package scanspec

import (
	"sort"

	"github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/util/codec"
)

const (
	nullFlag   byte = 0x00
	intFlag    byte = 0x03
	stringFlag byte = 0x05
)

// DocKey is the primary key of a row: hash code and hashed components followed by range
// components. Its encoding is memcomparable.
type DocKey struct {
	HashCode uint32
	Hashed   []Value
	Range    []Value
}

func (k DocKey) Encode() []byte {
	b := codec.EncodeUint(nil, uint64(k.HashCode))
	b = encodeValues(b, k.Hashed)
	return encodeValues(b, k.Range)
}

func encodeValues(b []byte, vals []Value) []byte {
	for _, v := range vals {
		b = encodeValue(b, v)
	}
	return b
}

func encodeValue(b []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		return codec.EncodeInt(append(b, intFlag), v.I)
	case KindString:
		return codec.EncodeBytes(append(b, stringFlag), []byte(v.S))
	}
	return append(b, nullFlag)
}

func decodeValue(b []byte) ([]byte, Value, error) {
	if len(b) == 0 {
		return nil, NullValue, errors.New("insufficient bytes to decode value")
	}
	flag, b := b[0], b[1:]
	switch flag {
	case nullFlag:
		return b, NullValue, nil
	case intFlag:
		b, i, err := codec.DecodeInt(b)
		return b, IntValue(i), errors.Trace(err)
	case stringFlag:
		b, s, err := codec.DecodeBytes(b, nil)
		return b, StringValue(string(s)), errors.Trace(err)
	}
	return nil, NullValue, errors.Errorf("invalid value flag %x", flag)
}

// HashCode hashes the encoded hashed components.
func HashCode(hashed []Value) uint32 {
	return farm.Fingerprint32(encodeValues(nil, hashed))
}

// EncodeRow encodes column values in column id order.
func EncodeRow(row map[int32]Value) []byte {
	ids := make([]int, 0, len(row))
	for id := range row {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	var b []byte
	for _, id := range ids {
		b = codec.EncodeInt(b, int64(id))
		b = encodeValue(b, row[int32(id)])
	}
	return b
}

func DecodeRow(b []byte) (map[int32]Value, error) {
	row := make(map[int32]Value)
	for len(b) > 0 {
		var (
			id  int64
			v   Value
			err error
		)
		if b, id, err = codec.DecodeInt(b); err != nil {
			return nil, errors.Trace(err)
		}
		if b, v, err = decodeValue(b); err != nil {
			return nil, err
		}
		row[int32(id)] = v
	}
	return row, nil
}
