// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/coapopt"
)

// bytesToLua converts raw bytes to the script representation: a string
// by default, a 1-based bytes-array when asArr is set. Empty input
// yields nil.
func bytesToLua(l *lua.LState, b []byte, asArr bool) lua.LValue {
	if len(b) == 0 {
		return lua.LNil
	}
	if !asArr {
		return lua.LString(b)
	}
	t := l.CreateTable(len(b), 0)
	for i, v := range b {
		t.RawSetInt(i+1, lua.LNumber(v))
	}
	return t
}

// tableToBytes converts a 1-based bytes-array table to raw bytes.
func tableToBytes(t *lua.LTable) ([]byte, error) {
	n := t.Len()
	b := make([]byte, 0, n)
	for i := 1; i <= n; i++ {
		v := t.RawGetInt(i)
		num, ok := v.(lua.LNumber)
		if !ok {
			return nil, fmt.Errorf("%w: bytes-array expected", ErrInvalidArgument)
		}
		b = append(b, byte(int64(num)))
	}
	return b, nil
}

// luaToBytes accepts the two raw-byte shapes scripts may pass: a string
// or a bytes-array table.
func luaToBytes(v lua.LValue) ([]byte, error) {
	switch val := v.(type) {
	case lua.LString:
		return []byte(val), nil
	case *lua.LTable:
		return tableToBytes(val)
	}
	return nil, fmt.Errorf("%w: string or bytes-array expected", ErrInvalidArgument)
}

// tableToStrings converts a 1-based strings-array table.
func tableToStrings(t *lua.LTable) ([]string, error) {
	n := t.Len()
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		v := t.RawGetInt(i)
		s, ok := v.(lua.LString)
		if !ok {
			return nil, fmt.Errorf("%w: strings-array expected", ErrInvalidArgument)
		}
		out = append(out, string(s))
	}
	return out, nil
}

// optValueToLua renders a decoded option value for the script.
func optValueToLua(l *lua.LState, v coapopt.Value) lua.LValue {
	switch v.Kind {
	case coapopt.KindUInt:
		return lua.LNumber(v.UInt)
	case coapopt.KindString:
		return lua.LString(v.Str)
	case coapopt.KindOpaque:
		return bytesToLua(l, v.Bytes, true)
	}
	return lua.LNil
}

// Request method codes from RFC 8132; go-coap defines only the base
// RFC 7252 set.
const (
	codeFETCH  codes.Code = 5
	codePATCH  codes.Code = 6
	codeIPATCH codes.Code = 7
)

// codeToScript converts a wire code (class<<5 | detail) to the decimal
// class.detail form scripts use, e.g. 2.05 -> 205.
func codeToScript(c codes.Code) int {
	return 100*int(c>>5) + int(c&0x1f)
}

// codeFromScript converts the decimal class.detail form to a wire code.
func codeFromScript(n int) codes.Code {
	return codes.Code((n/100)<<5 | (n % 100 & 0x1f))
}
