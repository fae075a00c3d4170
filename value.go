package alljoyn

import (
	"fmt"
	"strings"
)

// ObjectPath is the path of an object on a bus connection.
type ObjectPath string

// Valid reports whether p is a well-formed object path: "/", or a
// sequence of "/"-prefixed elements made of [A-Za-z0-9_].
func (p ObjectPath) Valid() bool {
	if p == "/" {
		return true
	}
	if len(p) < 2 || p[0] != '/' || p[len(p)-1] == '/' {
		return false
	}
	for _, elem := range strings.Split(string(p[1:]), "/") {
		if elem == "" {
			return false
		}
		for _, c := range elem {
			if !isNameChar(c) {
				return false
			}
		}
	}
	return true
}

// IsChildOf reports whether p is a strict descendant of parent.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// Child returns the path of p's child with the given name.
func (p ObjectPath) Child(name string) ObjectPath {
	if p == "/" {
		return ObjectPath("/" + name)
	}
	return ObjectPath(string(p) + "/" + name)
}

func isNameChar(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Signature is a signature string carried as a value.
type Signature string

// Handle is an index into the out of band handle list of a message.
type Handle uint32

// Variant is a value tagged with its own type signature.
type Variant struct {
	Sig   Signature
	Value any
}

// MakeVariant returns a Variant holding v, with a signature inferred
// by [SignatureOf]. It panics if v has no wire representation.
func MakeVariant(v any) Variant {
	sig, err := SignatureOf(v)
	if err != nil {
		panic(err)
	}
	return Variant{Signature(sig), v}
}

func (v Variant) String() string {
	return fmt.Sprintf("<%s %v>", v.Sig, v.Value)
}

// Struct is the canonical decoded form of a struct value: its fields
// in declaration order.
type Struct []any

// DictEntry is one key/value pair of a dictionary. A []DictEntry
// encodes as a dictionary with entries in slice order, including any
// duplicate keys.
type DictEntry struct {
	Key, Value any
}
