package expr

import (
	"strings"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// lookupMap is a string map whose keys match case-insensitively and whose
// absent keys read as null, so `headers['X-Key'] == null` holds when the
// header is missing.
type lookupMap struct {
	traits.Mapper
	values map[string]string
}

// Lookup wraps header or query values for use as an expression variable.
// The first value of each name is kept.
func Lookup[M ~map[string][]string](values M) ref.Val {
	folded := make(map[string]string, len(values))
	for k, v := range values {
		key := strings.ToLower(k)
		if _, seen := folded[key]; seen || len(v) == 0 {
			continue
		}
		folded[key] = v[0]
	}
	return lookupMap{
		Mapper: types.NewStringStringMap(types.DefaultTypeAdapter, folded),
		values: folded,
	}
}

// Find implements traits.Mapper. A missing string key is found with a null value.
func (m lookupMap) Find(key ref.Val) (ref.Val, bool) {
	k, ok := key.(types.String)
	if !ok {
		return m.Mapper.Find(key)
	}
	if v, ok := m.values[strings.ToLower(string(k))]; ok {
		return types.String(v), true
	}
	return types.NullValue, true
}

// Get implements traits.Indexer.
func (m lookupMap) Get(key ref.Val) ref.Val {
	v, _ := m.Find(key)
	return v
}

// Contains implements traits.Container, keeping `'x-key' in headers` exact about presence.
func (m lookupMap) Contains(key ref.Val) ref.Val {
	k, ok := key.(types.String)
	if !ok {
		return m.Mapper.Contains(key)
	}
	_, found := m.values[strings.ToLower(string(k))]
	return types.Bool(found)
}
