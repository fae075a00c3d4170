package alljoyn

import (
	"fmt"
	"reflect"
)

// Scan copies decoded values into the values pointed to by dst, which
// must have the same length as args.
//
// Scan undoes the canonicalization [Unmarshal] performs: a []any
// scans into any slice or array type, a map[any]any into any map
// type, a [Struct] into a struct type with matching wire fields,
// and scalars into any type of the same kind. A [Variant] scans into
// a *Variant as is, or into any other pointer as its contained value.
// A *any destination receives the decoded value unchanged.
func Scan(args []any, dst ...any) error {
	if len(args) != len(dst) {
		return fmt.Errorf("%w: scanning %d values into %d destinations", ErrTypeMismatch, len(args), len(dst))
	}
	for i, d := range dst {
		rv := reflect.ValueOf(d)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return typeErr(reflect.TypeOf(d), "", "scan destination %d is not a non-nil pointer", i)
		}
		if err := assign(rv.Elem(), args[i]); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

func assign(dst reflect.Value, src any) error {
	if dst.Kind() == reflect.Interface && dst.NumMethod() == 0 {
		if src == nil {
			dst.SetZero()
		} else {
			dst.Set(reflect.ValueOf(src))
		}
		return nil
	}
	if src == nil {
		return typeErr(dst.Type(), "", "cannot scan nil")
	}
	if dst.Kind() == reflect.Pointer {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(dst.Elem(), src)
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}
	mismatch := func() error {
		return typeErr(sv.Type(), "", "cannot scan into %s", dst.Type())
	}

	switch x := src.(type) {
	case Variant:
		return assign(dst, x.Value)
	case Struct:
		if dst.Kind() != reflect.Struct {
			return mismatch()
		}
		info, err := getStructInfo(dst.Type())
		if err != nil {
			return err
		}
		if len(info.Fields) != len(x) {
			return typeErr(dst.Type(), "", "struct has %d wire fields, value has %d", len(info.Fields), len(x))
		}
		for i, f := range info.Fields {
			if err := assign(f.GetWithAlloc(dst), x[i]); err != nil {
				return err
			}
		}
		return nil
	case []any:
		switch dst.Kind() {
		case reflect.Slice:
			ret := reflect.MakeSlice(dst.Type(), len(x), len(x))
			for i, v := range x {
				if err := assign(ret.Index(i), v); err != nil {
					return err
				}
			}
			dst.Set(ret)
			return nil
		case reflect.Array:
			if dst.Len() != len(x) {
				return typeErr(dst.Type(), "", "array of length %d given %d elements", dst.Len(), len(x))
			}
			for i, v := range x {
				if err := assign(dst.Index(i), v); err != nil {
					return err
				}
			}
			return nil
		}
		return mismatch()
	case map[any]any:
		if dst.Kind() != reflect.Map {
			return mismatch()
		}
		ret := reflect.MakeMapWithSize(dst.Type(), len(x))
		for k, v := range x {
			kv := reflect.New(dst.Type().Key()).Elem()
			if err := assign(kv, k); err != nil {
				return err
			}
			vv := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(vv, v); err != nil {
				return err
			}
			ret.SetMapIndex(kv, vv)
		}
		dst.Set(ret)
		return nil
	}

	if sv.Kind() == dst.Kind() && sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return mismatch()
}

// scanOne returns the single value in args as a T, or err if it is
// non-nil. It is meant to wrap calls returning ([]any, error).
func scanOne[T any](args []any, err error) (T, error) {
	var ret T
	if err != nil {
		return ret, err
	}
	err = Scan(args, &ret)
	return ret, err
}
