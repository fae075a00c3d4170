// Package fragments provides low-level encoding and decoding helpers
// to construct and parse AllJoyn message fragments.
//
// The provided encoder and decoder are very low level, and do not
// encode any bus semantics. They only know about byte order, the
// alignment rules of the wire format, and how basic values are laid
// out. It is the caller's responsibility to produce valid messages
// using these tools.
//
// You should not need to use this package at all, unless you are
// writing a message codec of your own.
package fragments
