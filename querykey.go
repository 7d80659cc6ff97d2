package querysync

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const keyPartSeparator = "\x1f"

// QueryKey identifies one logical query. It is an immutable, ordered sequence
// of primitive segments compared structurally: two keys are equal when their
// segments are equal in order, regardless of how the keys were built.
//
// Segments go from most general to most specific, so a key prefix names a
// whole family of queries (see QueryCache.Invalidate).
type QueryKey struct {
	segments []any
	parts    []string
	id       string
}

// Key builds a QueryKey from segments. It panics on a malformed key (no
// segments, unsupported segment type, NaN or infinite numbers); malformed keys
// are programmer errors.
func Key(segments ...any) QueryKey {
	k, err := NewKey(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// NewKey builds a QueryKey, reporting malformed input as an error wrapping ErrInvalidKey.
func NewKey(segments ...any) (QueryKey, error) {
	if len(segments) == 0 {
		return QueryKey{}, fmt.Errorf("%w: no segments", ErrInvalidKey)
	}
	k := QueryKey{
		segments: make([]any, len(segments)),
		parts:    make([]string, len(segments)),
	}
	for i, seg := range segments {
		part, err := encodeSegment(seg)
		if err != nil {
			return QueryKey{}, fmt.Errorf("%w: segment %d: %v", ErrInvalidKey, i, err)
		}
		k.segments[i] = seg
		k.parts[i] = part
	}
	k.id = strings.Join(k.parts, keyPartSeparator)
	return k, nil
}

// encodeSegment returns the canonical form of a segment. Numbers are encoded
// by value so int(1), int64(1) and float64(1) are the same segment.
func encodeSegment(seg any) (string, error) {
	switch v := seg.(type) {
	case nil:
		return "z", nil
	case string:
		return "s:" + strconv.Quote(v), nil
	case bool:
		return "b:" + strconv.FormatBool(v), nil
	case int:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int8:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int16:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int32:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "n:" + strconv.FormatInt(v, 10), nil
	case uint:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return "n:" + strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return "n:" + strconv.FormatUint(v, 10), nil
	case float32:
		return encodeFloat(float64(v))
	case float64:
		return encodeFloat(v)
	default:
		return "", fmt.Errorf("unsupported type %T", seg)
	}
}

func encodeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) {
		if f >= math.MinInt64 && f < math.MaxInt64 {
			return "n:" + strconv.FormatInt(int64(f), 10), nil
		}
		if f > 0 && f < math.MaxUint64 {
			return "n:" + strconv.FormatUint(uint64(f), 10), nil
		}
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64), nil
}

// IsZero reports whether k is the zero QueryKey (never produced by Key).
func (k QueryKey) IsZero() bool {
	return len(k.parts) == 0
}

// Len returns the number of segments.
func (k QueryKey) Len() int {
	return len(k.parts)
}

// Segments returns a copy of the key's segments.
func (k QueryKey) Segments() []any {
	out := make([]any, len(k.segments))
	copy(out, k.segments)
	return out
}

// ID returns the canonical identity of the key. Equal keys have equal IDs.
func (k QueryKey) ID() string {
	return k.id
}

// Family returns the first segment rendered as a string, "" for the zero key.
func (k QueryKey) Family() string {
	if len(k.segments) == 0 {
		return ""
	}
	return fmt.Sprint(k.segments[0])
}

// Equal reports structural equality.
func (k QueryKey) Equal(other QueryKey) bool {
	return k.id == other.id
}

// HasPrefix reports whether prefix is a leading subsequence of k's segments.
// Every key has itself as a prefix; the zero key is a prefix of nothing.
func (k QueryKey) HasPrefix(prefix QueryKey) bool {
	if len(prefix.parts) == 0 || len(prefix.parts) > len(k.parts) {
		return false
	}
	for i, part := range prefix.parts {
		if k.parts[i] != part {
			return false
		}
	}
	return true
}

// Append returns a new key with segments added after k's. It panics on
// malformed segments, like Key.
func (k QueryKey) Append(segments ...any) QueryKey {
	all := make([]any, 0, len(k.segments)+len(segments))
	all = append(all, k.segments...)
	all = append(all, segments...)
	return Key(all...)
}

// String renders the key as a JSON-like array, e.g. ["workspace","my","m"].
func (k QueryKey) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, part := range k.parts {
		if i > 0 {
			b.WriteByte(',')
		}
		switch {
		case part == "z":
			b.WriteString("null")
		default:
			b.WriteString(part[2:])
		}
	}
	b.WriteByte(']')
	return b.String()
}
