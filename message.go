package alljoyn

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danderson/alljoyn/fragments"
	"github.com/klauspost/compress/zstd"
)

// DefaultMaxMessageSize is the largest message ReadMessage accepts
// when not given a limit.
const DefaultMaxMessageSize = 128 << 20

// A Message is a bus message: a header and a body of marshaled
// arguments.
type Message struct {
	Header
	// Body is the body as it appears on the wire, which is
	// compressed or encrypted if the header flags say so.
	Body []byte

	// Created is when the message was built or received, against
	// which its TTL is measured.
	Created time.Time
}

// NewMethodCall returns a method call message.
func NewMethodCall(dest string, path ObjectPath, iface, member string) *Message {
	return &Message{
		Header: Header{
			Type:        TypeMethodCall,
			Destination: dest,
			Path:        path,
			Interface:   iface,
			Member:      member,
		},
		Created: time.Now(),
	}
}

// NewSignal returns a signal message.
func NewSignal(path ObjectPath, iface, member string) *Message {
	return &Message{
		Header: Header{
			Type:      TypeSignal,
			Path:      path,
			Interface: iface,
			Member:    member,
		},
		Created: time.Now(),
	}
}

// NewReply returns a method return answering call.
func NewReply(call *Message) *Message {
	return &Message{
		Header: Header{
			Order:       call.Order,
			Type:        TypeMethodReturn,
			ReplySerial: call.Serial,
			Destination: call.Sender,
			SessionID:   call.SessionID,
		},
		Created: time.Now(),
	}
}

// NewError returns an error message answering call. A non-empty
// detail is carried as a string body.
func NewError(call *Message, name, detail string) *Message {
	ret := &Message{
		Header: Header{
			Order:       call.Order,
			Type:        TypeError,
			ReplySerial: call.Serial,
			ErrorName:   name,
			Destination: call.Sender,
			SessionID:   call.SessionID,
		},
		Created: time.Now(),
	}
	if detail != "" {
		// A string always matches "s".
		ret.SetBody("s", detail)
	}
	return ret
}

// SetBody marshals args according to sig as the message body.
func (m *Message) SetBody(sig string, args ...any) error {
	bs, err := Marshal(m.order(), sig, args...)
	if err != nil {
		return err
	}
	m.Signature = sig
	m.Body = bs
	m.Flags &^= FlagCompressed | FlagEncrypted
	return nil
}

// Args decodes and returns the message body.
func (m *Message) Args() ([]any, error) {
	if m.Flags&FlagEncrypted != 0 {
		return nil, fmt.Errorf("%w: body is encrypted", ErrAuthFailed)
	}
	body := m.Body
	if m.Flags&FlagCompressed != 0 {
		var err error
		if body, err = decompressBody(body); err != nil {
			return nil, err
		}
	}
	return Unmarshal(m.order(), m.Signature, body)
}

// Expired reports whether the message's TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL == 0 || m.Created.IsZero() {
		return false
	}
	return now.Sub(m.Created) > m.TTLDuration()
}

// errorDetail returns the human readable detail of an error message,
// if it has one.
func (m *Message) errorDetail() string {
	if m.Signature == "" || m.Signature[0] != 's' {
		return ""
	}
	args, err := m.Args()
	if err != nil || len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}

// Encode returns the wire encoding of m.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	hdr, err := m.encode(len(m.Body))
	if err != nil {
		return nil, err
	}
	return append(hdr, m.Body...), nil
}

// ParseMessage decodes one complete message from bs. Errors match
// [ErrInvalidHeader], [ErrTruncatedMessage] or [ErrMalformedMessage].
func ParseMessage(bs []byte) (*Message, error) {
	h, bodyLen, off, err := decodeHeader(bs)
	if err != nil {
		return nil, err
	}
	if err := h.Valid(); err != nil {
		return nil, err
	}
	if len(bs)-off < bodyLen {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrTruncatedMessage, len(bs)-off, bodyLen)
	}
	if len(bs)-off > bodyLen {
		return nil, fmt.Errorf("%w: %d trailing bytes after body", ErrTruncatedMessage, len(bs)-off-bodyLen)
	}
	if h.Signature != "" && !ValidSignature(h.Signature) {
		return nil, fmt.Errorf("%w: invalid body signature %q", ErrInvalidHeader, h.Signature)
	}
	return &Message{
		Header:  *h,
		Body:    bs[off:],
		Created: time.Now(),
	}, nil
}

// ReadMessage reads one message from r. A message larger than
// maxSize bytes is an error; maxSize of zero means
// [DefaultMaxMessageSize].
//
// Errors matching [ErrInvalidHeader], [ErrTruncatedMessage] or
// [ErrMalformedMessage] leave r positioned at the next message. Any
// other error means the stream is unusable.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var fixed [fixedHeaderLen + 4]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	order, err := fragments.OrderForFlag(fixed[0])
	if err != nil {
		// Without a byte order the stream cannot be resynchronized.
		return nil, err
	}
	bodyLen := int(order.Uint32(fixed[4:8]))
	fieldsLen := int(order.Uint32(fixed[12:16]))
	hdrLen := len(fixed) + fieldsLen
	if pad := hdrLen % 8; pad != 0 {
		hdrLen += 8 - pad
	}
	if bodyLen < 0 || fieldsLen < 0 || hdrLen+bodyLen > maxSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit %d", hdrLen+bodyLen, maxSize)
	}
	buf := make([]byte, hdrLen+bodyLen)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[len(fixed):]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrTruncatedMessage, err)
		}
		return nil, err
	}
	return ParseMessage(buf)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("alljoyn: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxMessageSize))
	if err != nil {
		panic("alljoyn: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses the message body, if it isn't already.
func (m *Message) Compress() {
	if m.Flags&(FlagCompressed|FlagEncrypted) != 0 || len(m.Body) == 0 {
		return
	}
	m.Body = zstdEncoder.EncodeAll(m.Body, nil)
	m.Flags |= FlagCompressed
}

func decompressBody(bs []byte) ([]byte, error) {
	ret, err := zstdDecoder.DecodeAll(bs, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing body: %w", ErrMalformedMessage, err)
	}
	return ret, nil
}
