package keyrange

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrInvalidKey = errors.New("keyrange: invalid key")

// Key is a value of a table's index column. Index columns are either textual or integral,
// so a Key holds exactly one string or one int64.
type Key struct {
	str   string
	num   int64
	isNum bool
	valid bool
}

func String(s string) Key {
	return Key{str: s, valid: true}
}

func Int(n int64) Key {
	return Key{num: n, isNum: true, valid: true}
}

// FromValue converts a value scanned from the database into a Key.
func FromValue(v any) (Key, error) {
	switch t := v.(type) {
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case int64:
		return Int(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case float64:
		if t != math.Trunc(t) || t > math.MaxInt64 || t < math.MinInt64 {
			return Key{}, fmt.Errorf("%w: non-integral number %v", ErrInvalidKey, t)
		}
		return Int(int64(t)), nil
	case Key:
		return t, nil
	case nil:
		return Key{}, fmt.Errorf("%w: null", ErrInvalidKey)
	default:
		return Key{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, v)
	}
}

// Value returns the key as a database bind argument.
func (k Key) Value() any {
	if k.isNum {
		return k.num
	}
	return k.str
}

func (k Key) IsZero() bool {
	return !k.valid
}

func (k Key) IsInt() bool {
	return k.isNum
}

func (k Key) Equal(o Key) bool {
	return k == o
}

func (k Key) String() string {
	if k.isNum {
		return strconv.FormatInt(k.num, 10)
	}
	return k.str
}

func (k Key) MarshalJSON() ([]byte, error) {
	if !k.valid {
		return nil, fmt.Errorf("%w: zero key", ErrInvalidKey)
	}
	if k.isNum {
		return strconv.AppendInt(nil, k.num, 10), nil
	}
	return json.Marshal(k.str)
}

func (k *Key) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return fmt.Errorf("%w: null", ErrInvalidKey)
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidKey, err)
		}
		*k = String(s)
		return nil
	default:
		n, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidKey, data)
		}
		*k = Int(n)
		return nil
	}
}

// Range is an inclusive interval [Begin, End] over the index column ordering.
type Range struct {
	Begin Key
	End   Key
}

func New(begin, end Key) Range {
	return Range{Begin: begin, End: end}
}

func (r Range) Valid() bool {
	return !r.Begin.IsZero() && !r.End.IsZero()
}

// Single reports whether the range is bounded by the same key on both ends.
func (r Range) Single() bool {
	return r.Begin.Equal(r.End)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", r.Begin, r.End)
}
