package alljoyn

import (
	"fmt"
	"time"

	"github.com/danderson/alljoyn/fragments"
)

// MessageType is the type of a bus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "call"
	case TypeMethodReturn:
		return "return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("type%d", byte(t))
	}
}

// Flags are the message header flag bits.
type Flags byte

const (
	FlagNoReplyExpected Flags = 0x01
	FlagAutoStart       Flags = 0x02
	FlagAllowRemote     Flags = 0x04
	FlagSessionless     Flags = 0x10
	FlagGlobalBroadcast Flags = 0x20
	FlagCompressed      Flags = 0x40
	FlagEncrypted       Flags = 0x80
)

// protocolVersion is the wire protocol version this package speaks.
const protocolVersion = 1

// Header field codes.
const (
	fieldPath        byte = 1
	fieldInterface   byte = 2
	fieldMember      byte = 3
	fieldErrorName   byte = 4
	fieldReplySerial byte = 5
	fieldDestination byte = 6
	fieldSender      byte = 7
	fieldSignature   byte = 8
	fieldHandles     byte = 9
	fieldTimestamp   byte = 16
	fieldTTL         byte = 17
	fieldSessionID   byte = 19
)

// fieldSigs are the value signatures of the known header fields.
var fieldSigs = map[byte]string{
	fieldPath:        "o",
	fieldInterface:   "s",
	fieldMember:      "s",
	fieldErrorName:   "s",
	fieldReplySerial: "u",
	fieldDestination: "s",
	fieldSender:      "s",
	fieldSignature:   "g",
	fieldHandles:     "u",
	fieldTimestamp:   "u",
	fieldTTL:         "q",
	fieldSessionID:   "u",
}

// fixedHeaderLen is the length of the fixed part of the header,
// before the field array.
const fixedHeaderLen = 12

// Header is a message header.
type Header struct {
	// Order is the byte order of the message. Zero means native
	// order.
	Order fragments.ByteOrder
	Type  MessageType
	Flags Flags
	// Serial identifies the message among those sent by one
	// connection. It must be nonzero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal.
	Path ObjectPath
	// Interface is the interface of the called method or emitted
	// signal.
	Interface string
	// Member is the method or signal name.
	Member string
	// ErrorName is the name of the error an error message reports.
	ErrorName string
	// ReplySerial is the serial of the call a return or error
	// answers.
	ReplySerial uint32
	// Destination is the unique or well-known name the message is
	// addressed to. Empty for broadcast signals.
	Destination string
	// Sender is the unique name of the sender. The router sets it,
	// any value sent by a client is replaced.
	Sender string
	// Signature is the signature of the body.
	Signature string
	// Handles is the number of handles that accompany the message.
	Handles uint32
	// Timestamp is the sender's clock in milliseconds when the
	// message was created, used with TTL.
	Timestamp uint32
	// TTL is the message time to live: seconds for sessionless
	// signals, milliseconds otherwise. Zero means no expiry.
	TTL uint16
	// SessionID scopes the message to a session. Zero means no
	// session.
	SessionID uint32
}

// Valid checks that the header carries the fields its message type
// requires. Errors match [ErrInvalidHeader].
func (h *Header) Valid() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s message missing %s", ErrInvalidHeader, h.Type, field)
	}
	if h.Serial == 0 {
		return fmt.Errorf("%w: zero serial", ErrInvalidHeader)
	}
	switch h.Type {
	case TypeMethodCall:
		if h.Path == "" {
			return missing("path")
		}
		if h.Member == "" {
			return missing("member")
		}
	case TypeMethodReturn:
		if h.ReplySerial == 0 {
			return missing("reply serial")
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return missing("reply serial")
		}
		if h.ErrorName == "" {
			return missing("error name")
		}
	case TypeSignal:
		if h.Path == "" {
			return missing("path")
		}
		if h.Interface == "" {
			return missing("interface")
		}
		if h.Member == "" {
			return missing("member")
		}
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidHeader, h.Type)
	}
	if h.Path != "" && !h.Path.Valid() {
		return fmt.Errorf("%w: invalid path %q", ErrInvalidHeader, h.Path)
	}
	if h.Flags&FlagSessionless != 0 && h.Type != TypeSignal {
		return fmt.Errorf("%w: only signals may be sessionless", ErrInvalidHeader)
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *Header) WantReply() bool {
	return h.Type == TypeMethodCall && h.Flags&FlagNoReplyExpected == 0
}

// TTLDuration returns the message's time to live as a duration.
func (h *Header) TTLDuration() time.Duration {
	if h.Flags&FlagSessionless != 0 {
		return time.Duration(h.TTL) * time.Second
	}
	return time.Duration(h.TTL) * time.Millisecond
}

// SetTTL sets the time to live, rounding up to the unit the message
// type uses and clamping to the largest encodable value.
func (h *Header) SetTTL(d time.Duration) {
	unit := time.Millisecond
	if h.Flags&FlagSessionless != 0 {
		unit = time.Second
	}
	if d <= 0 {
		h.TTL = 0
		return
	}
	n := (d + unit - 1) / unit
	if n > 0xffff {
		n = 0xffff
	}
	h.TTL = uint16(n)
}

func (h *Header) order() fragments.ByteOrder {
	if h.Order == nil {
		return fragments.NativeEndian
	}
	return h.Order
}

// encode appends the wire encoding of h, for a body of bodyLen bytes,
// including the padding that precedes the body.
func (h *Header) encode(bodyLen int) ([]byte, error) {
	e := fragments.Encoder{Order: h.order()}
	e.ByteOrderFlag()
	e.Uint8(byte(h.Type))
	e.Uint8(byte(h.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(bodyLen))
	e.Uint32(h.Serial)

	type field struct {
		code byte
		val  any
	}
	var fields []field
	add := func(code byte, set bool, v any) {
		if set {
			fields = append(fields, field{code, v})
		}
	}
	add(fieldPath, h.Path != "", h.Path)
	add(fieldInterface, h.Interface != "", h.Interface)
	add(fieldMember, h.Member != "", h.Member)
	add(fieldErrorName, h.ErrorName != "", h.ErrorName)
	add(fieldReplySerial, h.ReplySerial != 0, h.ReplySerial)
	add(fieldDestination, h.Destination != "", h.Destination)
	add(fieldSender, h.Sender != "", h.Sender)
	add(fieldSignature, h.Signature != "", Signature(h.Signature))
	add(fieldHandles, h.Handles != 0, h.Handles)
	add(fieldTimestamp, h.Timestamp != 0, h.Timestamp)
	add(fieldTTL, h.TTL != 0, h.TTL)
	add(fieldSessionID, h.SessionID != 0, h.SessionID)

	err := e.Array(8, func() error {
		for _, f := range fields {
			err := e.Struct(func() error {
				e.Uint8(f.code)
				sig := fieldSigs[f.code]
				e.Signature(sig)
				return encodeValue(&e, basicTypes[Kind(sig[0])], f.val, 0)
			})
			if err != nil {
				return fmt.Errorf("header field %d: %w", f.code, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Pad(8)
	return e.Out, nil
}

// decodeHeader decodes a header from the start of bs, and returns
// the header, the body length and the offset at which the body
// begins.
func decodeHeader(bs []byte) (*Header, int, int, error) {
	d := fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	h := &Header{Order: d.Order}
	var (
		typ, flags, version byte
		bodyLen             uint32
		err                 error
	)
	if typ, err = d.Uint8(); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	if flags, err = d.Uint8(); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	if version, err = d.Uint8(); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	if version != protocolVersion {
		return nil, 0, 0, fmt.Errorf("%w: unsupported protocol version %d", ErrInvalidHeader, version)
	}
	if bodyLen, err = d.Uint32(); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	h.Type, h.Flags = MessageType(typ), Flags(flags)

	_, err = d.Array(8, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			sig, err := d.Signature()
			if err != nil {
				return err
			}
			t, err := parseRemoteType(sig)
			if err != nil {
				return err
			}
			v, err := decodeValue(&d, t, 0)
			if err != nil {
				return err
			}
			if want, known := fieldSigs[code]; known && want != sig {
				return fmt.Errorf("header field %d has signature %q, want %q", code, sig, want)
			}
			switch code {
			case fieldPath:
				h.Path = v.(ObjectPath)
			case fieldInterface:
				h.Interface = v.(string)
			case fieldMember:
				h.Member = v.(string)
			case fieldErrorName:
				h.ErrorName = v.(string)
			case fieldReplySerial:
				h.ReplySerial = v.(uint32)
			case fieldDestination:
				h.Destination = v.(string)
			case fieldSender:
				h.Sender = v.(string)
			case fieldSignature:
				h.Signature = string(v.(Signature))
			case fieldHandles:
				h.Handles = v.(uint32)
			case fieldTimestamp:
				h.Timestamp = v.(uint32)
			case fieldTTL:
				h.TTL = v.(uint16)
			case fieldSessionID:
				h.SessionID = v.(uint32)
			}
			// Unknown fields are skipped.
			return nil
		})
	})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if err := d.Pad(8); err != nil {
		return nil, 0, 0, decodeErr(err)
	}
	return h, int(bodyLen), d.Offset(), nil
}
