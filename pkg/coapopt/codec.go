// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapopt

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
)

// MaxOpaqueLen is the maximum length of an opaque option value.
const MaxOpaqueLen = 255

// ErrOptionTooLarge is returned when an opaque option value exceeds
// MaxOpaqueLen bytes.
var ErrOptionTooLarge = errors.New("option value larger than 255 bytes")

// ValueFormat classifies how an option's raw bytes are interpreted.
type ValueFormat int

const (
	// FormatUnknown means the option type is not in the static table.
	FormatUnknown ValueFormat = iota
	// FormatUInt options carry a big-endian unsigned integer.
	FormatUInt
	// FormatString options carry UTF-8 text.
	FormatString
	// FormatOpaque options carry raw bytes.
	FormatOpaque
)

// Classify returns the value format of a CoAP option type.
// Unrecognized types classify as FormatUnknown; callers reading such an
// option treat it as opaque, callers writing it deduce the format from
// the supplied value's shape.
func Classify(id message.OptionID) ValueFormat {
	switch id {
	case message.IfNoneMatch,
		message.Observe,
		message.URIPort,
		message.ContentFormat,
		message.MaxAge,
		message.Accept,
		message.Block2,
		message.Block1,
		message.Size2,
		message.Size1,
		message.NoResponse:
		return FormatUInt

	case message.URIHost,
		message.LocationPath,
		message.URIPath,
		message.URIQuery,
		message.LocationQuery,
		message.ProxyURI,
		message.ProxyScheme:
		return FormatString

	case message.IfMatch,
		message.ETag:
		return FormatOpaque
	}

	return FormatUnknown
}

// ValueKind discriminates decoded option values.
type ValueKind int

const (
	// KindNone marks a zero-length option value, distinct from an
	// empty string or empty byte sequence.
	KindNone ValueKind = iota
	// KindUInt marks an unsigned integer value.
	KindUInt
	// KindString marks a text value.
	KindString
	// KindOpaque marks a raw byte sequence value.
	KindOpaque
)

// Value is a decoded option value.
type Value struct {
	Kind  ValueKind
	UInt  uint32
	Str   string
	Bytes []byte
}

// DecodeValue interprets an option's raw bytes according to the option
// type's format. A zero-length raw value decodes to KindNone.
func DecodeValue(id message.OptionID, raw []byte) Value {
	if len(raw) == 0 {
		return Value{Kind: KindNone}
	}

	switch Classify(id) {
	case FormatUInt:
		return Value{Kind: KindUInt, UInt: DecodeUint(raw)}
	case FormatString:
		return Value{Kind: KindString, Str: string(raw)}
	}

	// opaque and unrecognized types read as raw bytes
	b := make([]byte, len(raw))
	copy(b, raw)
	return Value{Kind: KindOpaque, Bytes: b}
}

// DecodeUint big-endian accumulates raw bytes into an unsigned integer.
func DecodeUint(raw []byte) uint32 {
	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}
	return v
}

// EncodeUint emits the minimal big-endian encoding of v with leading
// zero bytes stripped. The result is never empty: value 0 encodes as a
// single zero byte.
func EncodeUint(v uint32) []byte {
	b := []byte{
		byte(v >> 24),
		byte(v >> 16),
		byte(v >> 8),
		byte(v),
	}
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// EncodeOpaque validates and copies an opaque option value.
func EncodeOpaque(b []byte) ([]byte, error) {
	if len(b) > MaxOpaqueLen {
		return nil, fmt.Errorf("%w (%d bytes)", ErrOptionTooLarge, len(b))
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
