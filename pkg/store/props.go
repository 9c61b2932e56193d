package store

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Props is a flat property map. Values are limited to string, int64,
// float64, bool and []string once normalised.
type Props map[string]any

// Handle addresses one node by its kind and key.
type Handle struct {
	Kind    Kind
	KeyProp string
	Key     string
}

func (h Handle) String() string {
	return fmt.Sprintf("%s{%s:%s}", h.Kind, h.KeyProp, h.Key)
}

// NewHandle builds a handle with the registered key property of kind.
func NewHandle(kind Kind, key string) Handle {
	keyProp, _ := KeyProp(kind)
	return Handle{Kind: kind, KeyProp: keyProp, Key: key}
}

type Node struct {
	Handle
	Props Props
}

type Edge struct {
	Kind  EdgeKind
	From  Handle
	To    Handle
	Props Props
}

// Other returns the endpoint of e that is not h.
func (e Edge) Other(h Handle) Handle {
	if e.From == h {
		return e.To
	}
	return e.From
}

// Filter matches nodes by property equality. A nil value matches nodes
// where the property is absent.
type Filter map[string]any

// EdgeFilter narrows FindEdges. Zero fields match anything; Node matches
// either endpoint.
type EdgeFilter struct {
	Kind EdgeKind
	From *Handle
	To   *Handle
	Node *Handle
}

// Normalize converts values to the stored representation and validates
// property names. Nil values are kept so callers can express removal.
func Normalize(props Props) (Props, error) {
	out := make(Props, len(props))
	for k, v := range props {
		if err := CheckPropName(k); err != nil {
			return nil, err
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue maps Go values onto the property value set.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case *int:
		if x == nil {
			return nil, nil
		}
		return int64(*x), nil
	case *string:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedValue, x)
		}
		return f, nil
	case []string:
		return slices.Clone(x), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list of %T", ErrUnsupportedValue, e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
}

// Clone returns a deep copy of p.
func (p Props) Clone() Props {
	if p == nil {
		return Props{}
	}
	out := maps.Clone(p)
	for k, v := range out {
		if s, ok := v.([]string); ok {
			out[k] = slices.Clone(s)
		}
	}
	return out
}

// FillMissing copies the non-nil values of src whose keys are absent in dst
// and returns the keys it set.
func FillMissing(dst, src Props) []string {
	var set []string
	for _, k := range slices.Sorted(maps.Keys(src)) {
		v := src[k]
		if v == nil {
			continue
		}
		if cur, ok := dst[k]; ok && !isEmpty(cur) {
			continue
		}
		dst[k] = v
		set = append(set, k)
	}
	return set
}

// Matches reports whether p satisfies filter.
func (p Props) Matches(filter Filter) bool {
	for k, want := range filter {
		got, ok := p[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

// ValuesEqual compares two normalised values, treating integral floats and
// ints as equal.
func ValuesEqual(a, b any) bool {
	na, err := NormalizeValue(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeValue(b)
	if err != nil {
		return false
	}
	if fa, ok := asFloat(na); ok {
		if fb, ok := asFloat(nb); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(na, nb)
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func (p Props) Str(key string) string {
	switch x := p[key].(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

// Int returns an integral property. Strings holding digits are accepted so
// legacy string-typed years still read.
func (p Props) Int(key string) (int, bool) {
	switch x := p[key].(type) {
	case int64:
		return int(x), true
	case int:
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return int(x), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// IntPtr is Int as an optional value.
func (p Props) IntPtr(key string) *int {
	if v, ok := p.Int(key); ok {
		return &v
	}
	return nil
}

func (p Props) Float(key string) (float64, bool) {
	return asFloat(p[key])
}

func (p Props) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Props) Strings(key string) []string {
	switch x := p[key].(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MatchEdge reports whether e satisfies f. For undirected kinds From and
// To match either endpoint.
func MatchEdge(e Edge, f EdgeFilter) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Node != nil && e.From != *f.Node && e.To != *f.Node {
		return false
	}
	if Symmetric(e.Kind) {
		for _, h := range []*Handle{f.From, f.To} {
			if h != nil && e.From != *h && e.To != *h {
				return false
			}
		}
		return true
	}
	if f.From != nil && e.From != *f.From {
		return false
	}
	if f.To != nil && e.To != *f.To {
		return false
	}
	return true
}
