package alljoyn

import (
	"reflect"
	"sync"
)

// cache memoizes per-type reflection results.
type cache[V any] struct {
	m sync.Map
}

func (c *cache[V]) Get(t reflect.Type, build func(reflect.Type) (V, error)) (V, error) {
	if ent, ok := c.m.Load(t); ok {
		return ent.(V), nil
	}
	ret, err := build(t)
	if err != nil {
		var zero V
		return zero, err
	}
	ent, _ := c.m.LoadOrStore(t, ret)
	return ent.(V), nil
}
