package fragments

import (
	"errors"
	"fmt"
	"math"
)

// ErrTruncated is returned when the input ends before a complete
// value could be read.
var ErrTruncated = errors.New("truncated input")

// MaxArrayLen is the largest array payload, in bytes, that the wire
// format permits.
const MaxArrayLen = 1 << 26

// A Decoder provides utilities to read an AllJoyn wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input to read.
	In []byte
	// Base is the offset within the overall message at which In
	// begins, for alignment purposes.
	Base int

	// pos is the read cursor within In.
	pos int
	// limit, if nonzero, is the position past which reads fail. It
	// bounds reads inside an array to the array's declared length.
	limit int
}

func (d *Decoder) end() int {
	if d.limit > 0 {
		return d.limit
	}
	return len(d.In)
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.pos }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.In) - d.pos }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed. Padding bytes must be zero.
func (d *Decoder) Pad(align int) error {
	extra := (d.Base + d.pos) % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.pos+skip > d.end() {
		return ErrTruncated
	}
	for _, b := range d.In[d.pos : d.pos+skip] {
		if b != 0 {
			return errors.New("nonzero padding byte")
		}
	}
	d.pos += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.pos+n > d.end() {
		return nil, ErrTruncated
	}
	ret := d.In[d.pos : d.pos+n]
	d.pos += n
	return ret, nil
}

// Bytes reads a byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if ln > MaxArrayLen {
		return nil, fmt.Errorf("array length %d exceeds maximum", ln)
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bs...), nil
}

// String reads a string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if ln > MaxArrayLen {
		return "", fmt.Errorf("string length %d exceeds maximum", ln)
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", errors.New("string missing nul terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// Signature reads a type signature string.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", errors.New("signature missing nul terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Bool reads a boolean. Values other than 0 and 1 are an error.
func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean value %d", v)
	}
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Float64 reads an IEEE 754 double.
func (d *Decoder) Float64() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and cannot read beyond the end of the array data.
//
// elemAlign is the alignment of the array's element type, so that
// the decoder consumes array header padding appropriately even if the
// array contains no elements.
//
// Array returns the total number of array elements that were
// processed.
func (d *Decoder) Array(elemAlign int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if ln > MaxArrayLen {
		return 0, fmt.Errorf("array length %d exceeds maximum", ln)
	}
	if err := d.Pad(elemAlign); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	stop := d.pos + int(ln)
	if stop > d.end() {
		return 0, ErrTruncated
	}
	outer := d.limit
	d.limit = stop
	defer func() {
		d.limit = outer
	}()
	idx := 0
	for d.pos < stop {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	order, err := OrderForFlag(v)
	if err != nil {
		return err
	}
	d.Order = order
	return nil
}
