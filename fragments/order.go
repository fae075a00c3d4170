package fragments

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a binary byte order that also knows the mark that
// announces it at the start of a message.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
	// Flag returns the byte order mark of messages encoded in this
	// order.
	Flag() byte
}

const (
	flagBig    = 'B'
	flagLittle = 'l'
)

type markedOrder struct {
	binary.ByteOrder
	binary.AppendByteOrder
	flag byte
}

func (o markedOrder) Flag() byte { return o.flag }

func (o markedOrder) String() string {
	if o.flag == flagBig {
		return "BigEndian"
	}
	return "LittleEndian"
}

var (
	BigEndian    ByteOrder = markedOrder{binary.BigEndian, binary.BigEndian, flagBig}
	LittleEndian ByteOrder = markedOrder{binary.LittleEndian, binary.LittleEndian, flagLittle}
	// NativeEndian is the host's byte order, which is what peers
	// on the same machine usually speak.
	NativeEndian = nativeOrder()
)

func nativeOrder() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// OrderForFlag returns the ByteOrder announced by a byte order mark.
func OrderForFlag(flag byte) (ByteOrder, error) {
	switch flag {
	case flagBig:
		return BigEndian, nil
	case flagLittle:
		return LittleEndian, nil
	default:
		return nil, fmt.Errorf("unknown byte order flag %q", flag)
	}
}
