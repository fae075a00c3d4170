package alljoyn

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/danderson/alljoyn/fragments"
)

// maxVariantDepth bounds how deeply variants may nest inside one
// another.
const maxVariantDepth = 64

// Marshal returns the wire encoding of args according to sig, using
// the given byte order.
//
// Each arg may be the canonical Go value for its type (see
// [Unmarshal]), or any Go value whose shape matches: integers, floats,
// bools and strings of any named type with the matching kind, slices
// and arrays for arrays, maps and []DictEntry for dictionaries, and
// structs or [Struct] for structs. Struct values encode their exported
// fields in declaration order, with the fields of embedded structs
// inlined. Fields tagged `alljoyn:"-"` are skipped. Pointers encode as
// the value pointed to. A value given for a variant that is not a
// [Variant] is wrapped in one, with its signature inferred by
// [SignatureOf].
//
// Errors for values that don't fit sig match [ErrTypeMismatch].
func Marshal(order fragments.ByteOrder, sig string, args ...any) ([]byte, error) {
	e := fragments.Encoder{Order: order}
	if err := encodeArgs(&e, sig, args); err != nil {
		return nil, err
	}
	return e.Out, nil
}

func encodeArgs(e *fragments.Encoder, sig string, args []any) error {
	ts, err := parseBodySignature(sig)
	if err != nil {
		return err
	}
	if len(ts) != len(args) {
		return TypeMismatchError{"argument list", sig, fmt.Errorf("got %d values for %d types", len(args), len(ts))}
	}
	for i, t := range ts {
		if err := encodeValue(e, t, args[i], 0); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}

func encodeValue(e *fragments.Encoder, t *Type, v any, depth int) error {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			if rv.Kind() == reflect.Interface {
				rv = reflect.Value{}
				break
			}
			rv = reflect.Zero(rv.Type().Elem())
			break
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return typeErr(nil, t.String(), "nil value")
	}
	mismatch := func(reason string, args ...any) error {
		return typeErr(rv.Type(), t.String(), reason, args...)
	}
	wantKind := func(k reflect.Kind) error {
		if rv.Kind() != k {
			return mismatch("wrong kind %s", rv.Kind())
		}
		return nil
	}

	switch t.Kind {
	case KindByte:
		if err := wantKind(reflect.Uint8); err != nil {
			return err
		}
		e.Uint8(uint8(rv.Uint()))
	case KindBool:
		if err := wantKind(reflect.Bool); err != nil {
			return err
		}
		e.Bool(rv.Bool())
	case KindInt16:
		if err := wantKind(reflect.Int16); err != nil {
			return err
		}
		e.Uint16(uint16(rv.Int()))
	case KindUint16:
		if err := wantKind(reflect.Uint16); err != nil {
			return err
		}
		e.Uint16(uint16(rv.Uint()))
	case KindInt32:
		if err := wantKind(reflect.Int32); err != nil {
			return err
		}
		e.Uint32(uint32(rv.Int()))
	case KindUint32, KindHandle:
		if err := wantKind(reflect.Uint32); err != nil {
			return err
		}
		e.Uint32(uint32(rv.Uint()))
	case KindInt64:
		if err := wantKind(reflect.Int64); err != nil {
			return err
		}
		e.Uint64(uint64(rv.Int()))
	case KindUint64:
		if err := wantKind(reflect.Uint64); err != nil {
			return err
		}
		e.Uint64(rv.Uint())
	case KindDouble:
		if err := wantKind(reflect.Float64); err != nil {
			return err
		}
		e.Float64(rv.Float())
	case KindString:
		if err := wantKind(reflect.String); err != nil {
			return err
		}
		e.String(rv.String())
	case KindObjectPath:
		if err := wantKind(reflect.String); err != nil {
			return err
		}
		if !ObjectPath(rv.String()).Valid() {
			return mismatch("invalid object path %q", rv.String())
		}
		e.String(rv.String())
	case KindSignature:
		if err := wantKind(reflect.String); err != nil {
			return err
		}
		if !ValidSignature(rv.String()) {
			return mismatch("invalid signature %q", rv.String())
		}
		e.Signature(rv.String())
	case KindVariant:
		if depth >= maxVariantDepth {
			return mismatch("variants nested more than %d deep", maxVariantDepth)
		}
		inner, ok := rv.Interface().(Variant)
		if !ok {
			sig, err := SignatureOf(rv.Interface())
			if err != nil {
				return err
			}
			inner = Variant{Signature(sig), rv.Interface()}
		}
		it, err := ParseType(string(inner.Sig))
		if err != nil {
			return err
		}
		e.Signature(string(inner.Sig))
		return encodeValue(e, it, inner.Value, depth+1)
	case KindArray:
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return mismatch("wrong kind %s", rv.Kind())
		}
		if t.Elem.Kind == KindByte && rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			e.Bytes(rv.Bytes())
			return nil
		}
		return e.Array(t.Elem.Alignment(), func() error {
			for i := range rv.Len() {
				if err := encodeValue(e, t.Elem, rv.Index(i).Interface(), depth); err != nil {
					return err
				}
			}
			return nil
		})
	case KindDict:
		if entries, ok := rv.Interface().([]DictEntry); ok {
			return e.Array(8, func() error {
				for _, ent := range entries {
					if err := encodeDictEntry(e, t, ent.Key, ent.Value, depth); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := wantKind(reflect.Map); err != nil {
			return err
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, compareKeys)
		return e.Array(8, func() error {
			for _, k := range keys {
				if err := encodeDictEntry(e, t, k.Interface(), rv.MapIndex(k).Interface(), depth); err != nil {
					return err
				}
			}
			return nil
		})
	case KindStruct:
		var fields []reflect.Value
		switch rv.Kind() {
		case reflect.Slice:
			if rv.Type().Elem().Kind() != reflect.Interface {
				return mismatch("slice of %s is not a struct", rv.Type().Elem())
			}
			for i := range rv.Len() {
				fields = append(fields, rv.Index(i))
			}
		case reflect.Struct:
			info, err := getStructInfo(rv.Type())
			if err != nil {
				return err
			}
			for _, f := range info.Fields {
				fields = append(fields, f.GetWithZero(rv))
			}
		default:
			return mismatch("wrong kind %s", rv.Kind())
		}
		if len(fields) != len(t.Fields) {
			return mismatch("has %d fields, want %d", len(fields), len(t.Fields))
		}
		return e.Struct(func() error {
			for i, ft := range t.Fields {
				if err := encodeValue(e, ft, fields[i].Interface(), depth); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return mismatch("unknown type code %q", t.Kind)
	}
	return nil
}

func encodeDictEntry(e *fragments.Encoder, t *Type, k, v any, depth int) error {
	return e.Struct(func() error {
		if err := encodeValue(e, t.Key, k, depth); err != nil {
			return err
		}
		return encodeValue(e, t.Value, v, depth)
	})
}

// compareKeys orders dictionary keys so that map encodings are
// deterministic.
func compareKeys(a, b reflect.Value) int {
	if a.Kind() == reflect.Interface {
		a = a.Elem()
	}
	if b.Kind() == reflect.Interface {
		b = b.Elem()
	}
	if a.Kind() != b.Kind() {
		return cmp.Compare(a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int:
		return cmp.Compare(a.Int(), b.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return cmp.Compare(a.Uint(), b.Uint())
	case reflect.Float32, reflect.Float64:
		return cmp.Compare(a.Float(), b.Float())
	case reflect.String:
		return strings.Compare(a.String(), b.String())
	case reflect.Bool:
		switch {
		case a.Bool() == b.Bool():
			return 0
		case a.Bool():
			return 1
		default:
			return -1
		}
	}
	return 0
}

// Unmarshal decodes body according to sig, and returns the decoded
// values.
//
// Values decode to canonical Go types: byte, bool, int16, uint16,
// int32, uint32, int64, uint64, float64, string, [ObjectPath],
// [Signature], [Handle], [Variant], [Struct], []any for arrays
// ([]byte for arrays of bytes) and map[any]any for dictionaries. If a
// dictionary contains duplicate keys, the last one wins.
//
// Short input and trailing bytes fail with [ErrTruncatedMessage].
// Otherwise invalid input fails with [ErrMalformedMessage]. Use
// [Scan] to convert the decoded values into more specific Go types.
func Unmarshal(order fragments.ByteOrder, sig string, body []byte) ([]any, error) {
	d := fragments.Decoder{Order: order, In: body}
	ret, err := decodeArgs(&d, sig)
	if err != nil {
		return nil, err
	}
	if n := d.Remaining(); n > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %q", ErrTruncatedMessage, n, sig)
	}
	return ret, nil
}

func decodeArgs(d *fragments.Decoder, sig string) ([]any, error) {
	ts, err := parseRemoteBody(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	ret := make([]any, 0, len(ts))
	for _, t := range ts {
		v, err := decodeValue(d, t, 0)
		if err != nil {
			return nil, decodeErr(err)
		}
		ret = append(ret, v)
	}
	return ret, nil
}

func decodeErr(err error) error {
	switch {
	case errors.Is(err, ErrTruncatedMessage), errors.Is(err, ErrMalformedMessage):
		return err
	case errors.Is(err, fragments.ErrTruncated):
		return fmt.Errorf("%w: %w", ErrTruncatedMessage, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
}

func decodeValue(d *fragments.Decoder, t *Type, depth int) (any, error) {
	switch t.Kind {
	case KindByte:
		return d.Uint8()
	case KindBool:
		return d.Bool()
	case KindInt16:
		u, err := d.Uint16()
		return int16(u), err
	case KindUint16:
		return d.Uint16()
	case KindInt32:
		u, err := d.Uint32()
		return int32(u), err
	case KindUint32:
		return d.Uint32()
	case KindHandle:
		u, err := d.Uint32()
		return Handle(u), err
	case KindInt64:
		u, err := d.Uint64()
		return int64(u), err
	case KindUint64:
		return d.Uint64()
	case KindDouble:
		return d.Float64()
	case KindString:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if !utf8.ValidString(s) || strings.IndexByte(s, 0) >= 0 {
			return nil, errors.New("string is not valid nul-free UTF-8")
		}
		return s, nil
	case KindObjectPath:
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		if !ObjectPath(s).Valid() {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return ObjectPath(s), nil
	case KindSignature:
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		if !ValidSignature(s) {
			return nil, fmt.Errorf("invalid signature %q", s)
		}
		return Signature(s), nil
	case KindVariant:
		if depth >= maxVariantDepth {
			return nil, fmt.Errorf("variants nested more than %d deep", maxVariantDepth)
		}
		s, err := d.Signature()
		if err != nil {
			return nil, err
		}
		it, err := parseRemoteType(s)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(d, it, depth+1)
		if err != nil {
			return nil, err
		}
		return Variant{Signature(s), v}, nil
	case KindArray:
		if t.Elem.Kind == KindByte {
			return d.Bytes()
		}
		ret := []any{}
		_, err := d.Array(t.Elem.Alignment(), func(int) error {
			v, err := decodeValue(d, t.Elem, depth)
			if err != nil {
				return err
			}
			ret = append(ret, v)
			return nil
		})
		return ret, err
	case KindDict:
		ret := map[any]any{}
		_, err := d.Array(8, func(int) error {
			return d.Struct(func() error {
				k, err := decodeValue(d, t.Key, depth)
				if err != nil {
					return err
				}
				v, err := decodeValue(d, t.Value, depth)
				if err != nil {
					return err
				}
				ret[k] = v
				return nil
			})
		})
		return ret, err
	case KindStruct:
		ret := make(Struct, 0, len(t.Fields))
		err := d.Struct(func() error {
			for _, ft := range t.Fields {
				v, err := decodeValue(d, ft, depth)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		return ret, err
	default:
		return nil, fmt.Errorf("unknown type code %q", t.Kind)
	}
}

var (
	objectPathType = reflect.TypeFor[ObjectPath]()
	signatureType  = reflect.TypeFor[Signature]()
	handleType     = reflect.TypeFor[Handle]()
	variantType    = reflect.TypeFor[Variant]()
	structType     = reflect.TypeFor[Struct]()
	dictEntryType  = reflect.TypeFor[[]DictEntry]()
)

// SignatureOf returns the signature of the wire type v encodes to by
// default.
//
// Canonical decoded values infer their signatures from their
// contents: a []any or map[any]any whose elements all share a
// signature becomes an array or dictionary of that type, and one with
// mixed (or no) elements becomes an array or dictionary of variants.
func SignatureOf(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", typeErr(nil, "", "nil has no signature")
	case Variant:
		return "v", nil
	case Struct:
		if len(x) == 0 {
			return "", typeErr(structType, "", "empty struct")
		}
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range x {
			s, err := SignatureOf(f)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		b.WriteByte(')')
		return b.String(), nil
	case []any:
		elem, err := commonSignature(x)
		if err != nil {
			return "", err
		}
		return "a" + elem, nil
	case map[any]any:
		var ks, vs []any
		for k, v := range x {
			ks = append(ks, k)
			vs = append(vs, v)
		}
		return dictSignature(ks, vs)
	case []DictEntry:
		var ks, vs []any
		for _, e := range x {
			ks = append(ks, e.Key)
			vs = append(vs, e.Value)
		}
		return dictSignature(ks, vs)
	}
	return signatureForType(reflect.TypeOf(v), 0)
}

// commonSignature returns the signature shared by all vs, or "v" if
// they differ.
func commonSignature(vs []any) (string, error) {
	ret := ""
	for _, v := range vs {
		s, err := SignatureOf(v)
		if err != nil {
			return "", err
		}
		if ret != "" && s != ret {
			return "v", nil
		}
		ret = s
	}
	if ret == "" {
		return "v", nil
	}
	return ret, nil
}

func dictSignature(keys, vals []any) (string, error) {
	if len(keys) == 0 {
		return "a{sv}", nil
	}
	k, err := commonSignature(keys)
	if err != nil {
		return "", err
	}
	if len(k) != 1 || !Kind(k[0]).IsBasic() {
		return "", typeErr(reflect.TypeOf(keys[0]), "", "dictionary keys must share one basic type")
	}
	v, err := commonSignature(vals)
	if err != nil {
		return "", err
	}
	return "a{" + k + v + "}", nil
}

func signatureForType(t reflect.Type, depth int) (string, error) {
	if t == nil {
		return "", typeErr(nil, "", "nil has no signature")
	}
	if depth > maxStructDepth+maxArrayDepth {
		return "", typeErr(t, "", "type nests too deeply")
	}
	switch t {
	case objectPathType:
		return "o", nil
	case signatureType:
		return "g", nil
	case handleType:
		return "h", nil
	case variantType:
		return "v", nil
	case structType, dictEntryType:
		return "", typeErr(t, "", "signature depends on contents")
	}
	switch t.Kind() {
	case reflect.Uint8:
		return "y", nil
	case reflect.Bool:
		return "b", nil
	case reflect.Int16:
		return "n", nil
	case reflect.Uint16:
		return "q", nil
	case reflect.Int32:
		return "i", nil
	case reflect.Uint32:
		return "u", nil
	case reflect.Int64:
		return "x", nil
	case reflect.Uint64:
		return "t", nil
	case reflect.Float64:
		return "d", nil
	case reflect.String:
		return "s", nil
	case reflect.Interface:
		return "v", nil
	case reflect.Pointer:
		return signatureForType(t.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		elem, err := signatureForType(t.Elem(), depth+1)
		if err != nil {
			return "", err
		}
		return "a" + elem, nil
	case reflect.Map:
		k, err := signatureForType(t.Key(), depth+1)
		if err != nil {
			return "", err
		}
		if len(k) != 1 || !Kind(k[0]).IsBasic() {
			return "", typeErr(t, "", "map key type %s is not a basic type", t.Key())
		}
		v, err := signatureForType(t.Elem(), depth+1)
		if err != nil {
			return "", err
		}
		return "a{" + k + v + "}", nil
	case reflect.Struct:
		info, err := getStructInfo(t)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range info.Fields {
			s, err := signatureForType(f.Type, depth+1)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		b.WriteByte(')')
		return b.String(), nil
	default:
		return "", typeErr(t, "", "%s has no wire representation", t.Kind())
	}
}
