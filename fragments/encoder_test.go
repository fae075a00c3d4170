package fragments_test

import (
	"bytes"
	"testing"

	"github.com/danderson/alljoyn/fragments"
)

func TestEncoder(t *testing.T) {
	tests := []struct {
		name string
		in   func(*fragments.Encoder)
		want []byte
	}{
		{
			"raw bytes",
			func(e *fragments.Encoder) {
				e.Write([]byte{1, 2, 3})
			},
			[]byte{0x01, 0x02, 0x03},
		},

		{
			"byte array",
			func(e *fragments.Encoder) {
				e.Bytes([]byte{1, 2, 3})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x01, 0x02, 0x03, // val
			},
		},

		{
			"string",
			func(e *fragments.Encoder) {
				e.String("foo")
			},
			[]byte{
				0x00, 0x00, 0x00, 0x03, // length
				0x66, 0x6f, 0x6f, // val
				0x00, // terminator
			},
		},

		{
			"signature",
			func(e *fragments.Encoder) {
				e.Signature("a{sv}")
			},
			[]byte{
				0x05, // length
				'a', '{', 's', 'v', '}',
				0x00, // terminator
			},
		},

		{
			"bool",
			func(e *fragments.Encoder) {
				e.Uint8(1)
				e.Bool(true)
			},
			[]byte{
				0x01,
				0x00, 0x00, 0x00, // pad
				0x00, 0x00, 0x00, 0x01,
			},
		},

		{
			"uints",
			func(e *fragments.Encoder) {
				e.Uint8(42)
				e.Uint16(66)
				e.Uint32(42)
				e.Uint64(66)
			},
			[]byte{
				0x2a,
				0x00, // pad
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x2a,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
			},
		},

		{
			"struct padding",
			func(e *fragments.Encoder) {
				e.Struct(func() error {
					e.Uint64(66)
					return nil
				})
				e.Struct(func() error {
					e.Uint16(66)
					return nil
				})
				e.Struct(func() error {
					e.Uint8(42)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x42,
				0x00, 0x42,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x2a,
			},
		},

		{
			"array",
			func(e *fragments.Encoder) {
				e.Array(2, func() error {
					e.Uint16(1)
					e.Uint16(2)
					return nil
				})
			},
			[]byte{
				0x00, 0x00, 0x00, 0x04, // length
				0x00, 0x01,
				0x00, 0x02,
			},
		},

		{
			"empty struct array",
			func(e *fragments.Encoder) {
				e.Array(8, func() error { return nil })
			},
			[]byte{
				0x00, 0x00, 0x00, 0x00, // length
				0x00, 0x00, 0x00, 0x00, // pad
			},
		},

		{
			"struct array",
			func(e *fragments.Encoder) {
				e.Array(8, func() error {
					e.Struct(func() error {
						e.Uint16(1)
						return nil
					})
					e.Struct(func() error {
						e.Uint16(2)
						return nil
					})
					return nil
				})
				e.Uint16(3)
			},
			[]byte{
				0x00, 0x00, 0x00, 0x0a, // length
				0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x01,
				0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // pad
				0x00, 0x02,
				0x00, 0x03,
			},
		},

		{
			"base offset",
			func(e *fragments.Encoder) {
				e.Base = 3
				e.Uint32(1)
			},
			[]byte{
				0x00, // pad
				0x00, 0x00, 0x00, 0x01,
			},
		},

		{
			"byte order flag",
			func(e *fragments.Encoder) {
				e.ByteOrderFlag()
				e.Order = fragments.LittleEndian
				e.ByteOrderFlag()
				e.Uint16(1)
			},
			[]byte{'B', 'l', 0x01, 0x00},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fragments.Encoder{
				Order: fragments.BigEndian,
			}
			tc.in(&e)
			if got := e.Out; !bytes.Equal(got, tc.want) {
				t.Errorf("wrong encoding:\n  got: % x\n want: % x", got, tc.want)
			}
		})
	}
}
