package fragments

import "math"

// An Encoder provides utilities to write an AllJoyn wire format
// message to a byte slice.
//
// Methods insert padding as needed to conform to the wire format's
// alignment rules, except for [Encoder.Write] which outputs bytes
// verbatim.
type Encoder struct {
	// Order is the byte order to use when encoding multi-byte values.
	Order ByteOrder
	// Out is the encoded output.
	Out []byte
	// Base is the offset within the overall message at which Out
	// begins. Alignment is computed relative to the message start,
	// so an Encoder producing a fragment in the middle of a message
	// must know where that fragment lands.
	Base int
}

func (e *Encoder) offset() int {
	return e.Base + len(e.Out)
}

// Pad inserts padding bytes as needed to make the message a multiple
// of align bytes. If the message is already correctly aligned, no
// padding is inserted.
func (e *Encoder) Pad(align int) {
	extra := e.offset() % align
	if extra == 0 {
		return
	}
	var pad [8]byte
	e.Out = append(e.Out, pad[:align-extra]...)
}

// Write writes bs as-is to the output. It is the caller's
// responsibility to ensure correct padding and encoding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Bytes writes bs to the output as a byte array.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String writes s to the output.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// Signature writes a type signature string, which unlike other
// strings carries a single byte length prefix.
func (e *Encoder) Signature(sig string) {
	e.Uint8(uint8(len(sig)))
	e.Out = append(e.Out, sig...)
	e.Out = append(e.Out, 0)
}

// Uint8 writes a uint8.
func (e *Encoder) Uint8(u8 uint8) {
	e.Out = append(e.Out, u8)
}

// Bool writes a boolean, which occupies 4 bytes on the wire.
func (e *Encoder) Bool(b bool) {
	if b {
		e.Uint32(1)
	} else {
		e.Uint32(0)
	}
}

// Uint16 writes uint16.
func (e *Encoder) Uint16(u16 uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, u16)
}

// Uint32 writes uint32.
func (e *Encoder) Uint32(u32 uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, u32)
}

// Uint64 writes uint64.
func (e *Encoder) Uint64(u64 uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, u64)
}

// Float64 writes an IEEE 754 double.
func (e *Encoder) Float64(f float64) {
	e.Uint64(math.Float64bits(f))
}

// Array writes an array to the output.
//
// Array elements must be added within the provided elements
// function. The elements function is responsible for padding each
// array element to the correct alignment for the element type.
//
// elemAlign is the alignment of the array's element type. The array
// header is padded to it even if the array ends up empty, as the
// wire format requires.
func (e *Encoder) Array(elemAlign int, elements func() error) error {
	e.Pad(4)
	offset := len(e.Out)
	e.Uint32(0)
	e.Pad(elemAlign)

	start := len(e.Out)
	err := elements()
	end := len(e.Out)
	e.Order.PutUint32(e.Out[offset:], uint32(end-start))

	return err
}

// Struct writes a struct to the output.
//
// Struct fields must be added within the provided elements function.
func (e *Encoder) Struct(elements func() error) error {
	e.Pad(8)
	return elements()
}

// ByteOrderFlag writes the byte order flag byte ('l' or 'B') that
// matches [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Write([]byte{e.Order.Flag()})
}
