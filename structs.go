package alljoyn

import (
	"fmt"
	"iter"
	"reflect"
	"strings"
)

// structField is a struct field that is carried on the wire.
type structField struct {
	Name string
	// Index is the path to the field, split at each embedded struct
	// pointer that might be nil.
	Index [][]int
	Type  reflect.Type
}

// GetWithZero loads the field from structVal. If loading requires
// traversing a nil embedded struct pointer, GetWithZero returns a
// non-settable zero value of the field.
func (f *structField) GetWithZero(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				return reflect.Zero(f.Type)
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

// GetWithAlloc loads the field from structVal, allocating nil
// embedded struct pointers on the way. The returned value is
// settable.
func (f *structField) GetWithAlloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for i, hop := range f.Index {
		if i > 0 {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.FieldByIndex(hop)
	}
	return v
}

func (f *structField) String() string {
	return fmt.Sprintf("%s: %s at %v", f.Name, f.Type, f.Index)
}

// structInfo is the wire layout of a Go struct: its exported fields
// in declaration order, with the fields of embedded structs inlined
// and fields tagged `alljoyn:"-"` skipped.
type structInfo struct {
	Type   reflect.Type
	Fields []*structField
}

func (s *structInfo) String() string {
	var ret strings.Builder
	fmt.Fprintf(&ret, "%s, fields:\n", s.Type)
	for _, f := range s.Fields {
		ret.WriteString(f.String())
		ret.WriteByte('\n')
	}
	return ret.String()
}

var structInfos cache[*structInfo]

// getStructInfo returns the wire layout of t, which must be a struct
// type.
func getStructInfo(t reflect.Type) (*structInfo, error) {
	return structInfos.Get(t, buildStructInfo)
}

func buildStructInfo(t reflect.Type) (*structInfo, error) {
	if t.Kind() != reflect.Struct {
		return nil, typeErr(t, "", "not a struct")
	}
	ret := &structInfo{Type: t}
	for field := range structFields(t, nil, 0) {
		if !field.IsExported() || field.Tag.Get("alljoyn") == "-" {
			continue
		}
		ret.Fields = append(ret.Fields, &structField{
			Name:  field.Name,
			Type:  field.Type,
			Index: allocSteps(t, field.Index),
		})
	}
	if len(ret.Fields) == 0 {
		return nil, typeErr(t, "", "struct has no exported fields")
	}
	return ret, nil
}

// allocSteps partitions a multi-hop traversal of struct fields into
// segments that end at either the final value, or at a struct pointer
// that might be nil.
func allocSteps(t reflect.Type, idx []int) [][]int {
	var ret [][]int
	prev := 0
	t = t.Field(idx[0]).Type
	for i := 1; i < len(idx); i++ {
		if t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
			ret = append(ret, idx[prev:i])
			prev = i
			t = t.Elem()
		}
		t = t.Field(idx[i]).Type
	}
	ret = append(ret, idx[prev:])
	return ret
}

// structFields yields the fields of t, descending into embedded
// structs. Embedding deeper than maxStructDepth is treated as a
// regular field.
func structFields(t reflect.Type, idx []int, depth int) iter.Seq[reflect.StructField] {
	return func(yield func(reflect.StructField) bool) {
		for i := range t.NumField() {
			f := t.Field(i)
			idx = append(idx, i)
			if f.Anonymous && f.Tag.Get("alljoyn") != "-" && depth < maxStructDepth {
				at := f.Type
				if at.Kind() == reflect.Pointer {
					at = at.Elem()
				}
				if at.Kind() == reflect.Struct {
					for af := range structFields(at, idx, depth+1) {
						if !yield(af) {
							return
						}
					}
					idx = idx[:len(idx)-1]
					continue
				}
			}
			f.Index = append([]int(nil), idx...)
			if !yield(f) {
				return
			}
			idx = idx[:len(idx)-1]
		}
	}
}
