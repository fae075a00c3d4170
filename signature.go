package alljoyn

import (
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// Kind is the type code of a wire value.
type Kind byte

const (
	KindByte       Kind = 'y'
	KindBool       Kind = 'b'
	KindInt16      Kind = 'n'
	KindUint16     Kind = 'q'
	KindInt32      Kind = 'i'
	KindUint32     Kind = 'u'
	KindInt64      Kind = 'x'
	KindUint64     Kind = 't'
	KindDouble     Kind = 'd'
	KindString     Kind = 's'
	KindObjectPath Kind = 'o'
	KindSignature  Kind = 'g'
	KindHandle     Kind = 'h'
	KindVariant    Kind = 'v'
	KindArray      Kind = 'a'
	KindStruct     Kind = 'r'
	KindDict       Kind = 'e'
)

// Wire format limits on signatures.
const (
	maxSignatureLen = 255
	maxArrayDepth   = 32
	maxStructDepth  = 32
)

// IsBasic reports whether k may be used as a dictionary key.
func (k Kind) IsBasic() bool {
	switch k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64, KindDouble, KindString, KindObjectPath, KindSignature, KindHandle:
		return true
	}
	return false
}

// A Type is one complete type in a signature.
//
// Types returned by [ParseSignature] are shared and must not be
// modified.
type Type struct {
	Kind Kind
	// Elem is the element type of an array.
	Elem *Type
	// Key and Value are the key and value types of a dictionary.
	Key, Value *Type
	// Fields are the field types of a struct.
	Fields []*Type
}

// String returns the signature text for t.
func (t *Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t *Type) write(b *strings.Builder) {
	switch t.Kind {
	case KindArray:
		b.WriteByte('a')
		t.Elem.write(b)
	case KindDict:
		b.WriteString("a{")
		t.Key.write(b)
		t.Value.write(b)
		b.WriteByte('}')
	case KindStruct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte(')')
	default:
		b.WriteByte(byte(t.Kind))
	}
}

// Alignment returns the wire alignment of t.
func (t *Type) Alignment() int {
	switch t.Kind {
	case KindByte, KindSignature, KindVariant:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindBool, KindInt32, KindUint32, KindString, KindObjectPath, KindHandle, KindArray, KindDict:
		return 4
	default:
		return 8
	}
}

// elemAlignment returns the alignment of the elements of an array or
// dictionary.
func (t *Type) elemAlignment() int {
	if t.Kind == KindDict {
		return 8
	}
	return t.Elem.Alignment()
}

// sigCache holds parsed signatures of local origin: Go types,
// interface descriptions and outbound messages. Signatures received
// from peers are looked up but never stored.
var sigCache = xsync.NewMapOf[string, []*Type]()

// maxCachedSignatures bounds sigCache. Past it, signatures are parsed
// on every use.
const maxCachedSignatures = 4096

// ParseSignature parses a signature string into its sequence of
// complete types.
//
// Errors match [ErrMalformedSignature].
func ParseSignature(sig string) ([]*Type, error) {
	return parseCached(sig, true)
}

// parseRemote parses a signature received from a peer.
func parseRemote(sig string) ([]*Type, error) {
	return parseCached(sig, false)
}

func parseCached(sig string, store bool) ([]*Type, error) {
	if ret, ok := sigCache.Load(sig); ok {
		return ret, nil
	}
	if sig == "" {
		return nil, fmt.Errorf("%w: empty signature", ErrMalformedSignature)
	}
	ret, err := parseSignature(sig)
	if err != nil {
		return nil, err
	}
	if store && sigCache.Size() < maxCachedSignatures {
		sigCache.Store(sig, ret)
	}
	return ret, nil
}

// parseBodySignature is like ParseSignature, but accepts the empty
// signature of a message with no body.
func parseBodySignature(sig string) ([]*Type, error) {
	if sig == "" {
		return nil, nil
	}
	return ParseSignature(sig)
}

// parseRemoteBody is parseBodySignature for the signature of a
// received message body.
func parseRemoteBody(sig string) ([]*Type, error) {
	if sig == "" {
		return nil, nil
	}
	return parseRemote(sig)
}

// ParseType parses a signature that must contain exactly one complete
// type.
func ParseType(sig string) (*Type, error) {
	ts, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	return singleType(sig, ts)
}

// parseRemoteType is ParseType for signatures received from peers.
func parseRemoteType(sig string) (*Type, error) {
	ts, err := parseRemote(sig)
	if err != nil {
		return nil, err
	}
	return singleType(sig, ts)
}

func singleType(sig string, ts []*Type) (*Type, error) {
	if len(ts) != 1 {
		return nil, fmt.Errorf("%w: %q is %d types, want 1", ErrMalformedSignature, sig, len(ts))
	}
	return ts[0], nil
}

// ValidSignature reports whether sig is a valid, possibly empty,
// signature.
func ValidSignature(sig string) bool {
	_, err := parseRemoteBody(sig)
	return err == nil
}

func parseSignature(sig string) ([]*Type, error) {
	if len(sig) > maxSignatureLen {
		return nil, fmt.Errorf("%w: signature longer than %d bytes", ErrMalformedSignature, maxSignatureLen)
	}
	p := sigParser{sig: sig}
	var ret []*Type
	for p.pos < len(sig) {
		t, err := p.one()
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrMalformedSignature, sig, err)
		}
		ret = append(ret, t)
	}
	return ret, nil
}

type sigParser struct {
	sig         string
	pos         int
	arrayDepth  int
	structDepth int
}

func (p *sigParser) one() (*Type, error) {
	if p.pos >= len(p.sig) {
		return nil, fmt.Errorf("unexpected end of signature")
	}
	c := p.sig[p.pos]
	p.pos++
	switch k := Kind(c); k {
	case KindByte, KindBool, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64, KindDouble, KindString, KindObjectPath, KindSignature, KindHandle, KindVariant:
		return basicTypes[k], nil
	case KindArray:
		p.arrayDepth++
		defer func() { p.arrayDepth-- }()
		if p.arrayDepth > maxArrayDepth {
			return nil, fmt.Errorf("more than %d nested arrays", maxArrayDepth)
		}
		if p.pos < len(p.sig) && p.sig[p.pos] == '{' {
			p.pos++
			return p.dict()
		}
		elem, err := p.one()
		if err != nil {
			return nil, fmt.Errorf("array element: %w", err)
		}
		return &Type{Kind: KindArray, Elem: elem}, nil
	case '(':
		p.structDepth++
		defer func() { p.structDepth-- }()
		if p.structDepth > maxStructDepth {
			return nil, fmt.Errorf("more than %d nested structs", maxStructDepth)
		}
		ret := &Type{Kind: KindStruct}
		for {
			if p.pos >= len(p.sig) {
				return nil, fmt.Errorf("unterminated struct")
			}
			if p.sig[p.pos] == ')' {
				p.pos++
				break
			}
			f, err := p.one()
			if err != nil {
				return nil, err
			}
			ret.Fields = append(ret.Fields, f)
		}
		if len(ret.Fields) == 0 {
			return nil, fmt.Errorf("empty struct")
		}
		return ret, nil
	case '{':
		return nil, fmt.Errorf("dict entry outside of array")
	default:
		return nil, fmt.Errorf("unknown type code %q", c)
	}
}

func (p *sigParser) dict() (*Type, error) {
	p.structDepth++
	defer func() { p.structDepth-- }()
	if p.structDepth > maxStructDepth {
		return nil, fmt.Errorf("more than %d nested structs", maxStructDepth)
	}
	key, err := p.one()
	if err != nil {
		return nil, fmt.Errorf("dict key: %w", err)
	}
	if !key.Kind.IsBasic() {
		return nil, fmt.Errorf("dict key %s is not a basic type", key)
	}
	val, err := p.one()
	if err != nil {
		return nil, fmt.Errorf("dict value: %w", err)
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] != '}' {
		return nil, fmt.Errorf("dict entry must have exactly one key and one value")
	}
	p.pos++
	return &Type{Kind: KindDict, Key: key, Value: val}, nil
}

var basicTypes = func() map[Kind]*Type {
	ret := map[Kind]*Type{}
	for _, k := range "ybnqiuxtdsoghv" {
		ret[Kind(k)] = &Type{Kind: Kind(k)}
	}
	return ret
}()

func signatureString(ts []*Type) string {
	var b strings.Builder
	for _, t := range ts {
		t.write(&b)
	}
	return b.String()
}
