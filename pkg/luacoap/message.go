// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"bytes"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/coapopt"
	"github.com/pstolarz/copua/pkg/engine"
)

// accessState is the message object's access-control state. locked is
// terminal: no operation succeeds on a locked object.
type accessState int

const (
	// stateFresh: created by the script, unsent; full read/write.
	stateFresh accessState = iota
	// stateReadOnlyHandler: handed to a handler as an inbound message.
	stateReadOnlyHandler
	// stateWritableHandler: handed to a handler as the outbound
	// response; writable until sent.
	stateWritableHandler
	// stateLocked: handed to the engine for sending.
	stateLocked
)

// handlerScope records which handler kind a message object was created
// for; scopeNone marks script-created messages.
type handlerScope int

const (
	scopeNone handlerScope = iota
	scopeRequest
	scopeResponse
	scopeNack
)

// Message wraps an engine PDU together with its access-control state
// and, for handler-scoped objects, the associated session.
type Message struct {
	pdu  *pool.Message
	sess *engine.Session

	// defCode is applied by finalize-send when the handler did not
	// set a code; codes.Empty means no default.
	defCode codes.Code

	state accessState
	scope handlerScope

	// option insertion bookkeeping: the engine requires the token
	// first and option types in non-decreasing order
	lastOptID  message.OptionID
	hasOptions bool
}

func (m *Message) writable() bool {
	return m.state == stateFresh || m.state == stateWritableHandler
}

// msgMethod is a bound message operation. argBase is 1 when the script
// used colon syntax (self as first argument), 0 otherwise.
type msgMethod func(c *LibContext, l *lua.LState, m *Message, argBase int) int

var msgReadMethods = map[string]msgMethod{
	"get_type":       msgGetType,
	"get_code":       msgGetCode,
	"get_msg_id":     msgGetMsgID,
	"get_token":      msgGetToken,
	"options":        msgOptions,
	"get_option":     msgGetOption,
	"get_uri_path":   msgGetURIPath,
	"qstr_params":    msgQstrParams,
	"get_qstr_param": msgGetQstrParam,
	"get_payload":    msgGetPayload,
}

var msgWriteMethods = map[string]msgMethod{
	"set_type":     msgSetType,
	"set_code":     msgSetCode,
	"set_msg_id":   msgSetMsgID,
	"set_token":    msgSetToken,
	"set_option":   msgSetOption,
	"set_uri_path": msgSetURIPath,
}

// messageIndex is the __index metamethod of message userdata. It gates
// every operation on the object's access state and returns a closure
// bound to the object, so both obj.method() and obj:method() work.
func (c *LibContext) messageIndex(l *lua.LState) int {
	ud := l.CheckUserData(1)
	m, ok := ud.Value.(*Message)
	if !ok {
		l.ArgError(1, "message object expected")
		return 0
	}
	name := l.CheckString(2)

	if m.state == stateLocked {
		raise(l, ErrObjectLocked)
	}
	fn := c.resolveMessageMethod(l, m, name)

	l.Push(l.NewFunction(func(l *lua.LState) int {
		argBase := 0
		if l.GetTop() >= 1 {
			if u, ok := l.Get(1).(*lua.LUserData); ok && u == ud {
				argBase = 1
			}
		}
		// the closure may outlive the lookup; re-check the state
		if m.state == stateLocked {
			raise(l, ErrObjectLocked)
		}
		return fn(c, l, m, argBase)
	}))
	return 1
}

func (c *LibContext) resolveMessageMethod(l *lua.LState, m *Message, name string) msgMethod {
	if f, ok := msgReadMethods[name]; ok {
		return f
	}
	if name == "get_connection" {
		if m.scope == scopeNone {
			l.RaiseError("invalid method get_connection of message object")
		}
		return msgGetConnection
	}
	if f, ok := msgWriteMethods[name]; ok {
		if !m.writable() {
			raise(l, ErrReadOnly)
		}
		return f
	}
	if name == "send" {
		switch m.state {
		case stateWritableHandler:
			return msgSendFinalize
		case stateReadOnlyHandler:
			raise(l, ErrReadOnly)
		default:
			raise(l, ErrWrongSendPath)
		}
	}
	l.RaiseError("invalid method %s of message object", name)
	return nil
}

// wrapMessage creates the userdata for a message object.
func (c *LibContext) wrapMessage(m *Message) *lua.LUserData {
	ud := c.l.NewUserData()
	ud.Value = m
	c.l.SetMetatable(ud, c.msgMT)
	return ud
}

func msgGetType(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	l.Push(lua.LNumber(int(m.pdu.Type()) & 3))
	return 1
}

func msgSetType(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	m.pdu.SetType(message.Type(l.CheckInt(argBase+1) & 3))
	return 0
}

func msgGetCode(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	l.Push(lua.LNumber(codeToScript(m.pdu.Code())))
	return 1
}

func msgSetCode(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	m.pdu.SetCode(codeFromScript(l.CheckInt(argBase + 1)))
	return 0
}

func msgGetMsgID(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	l.Push(lua.LNumber(uint16(m.pdu.MessageID())))
	return 1
}

func msgSetMsgID(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	m.pdu.SetMessageID(int32(uint16(l.CheckInt(argBase + 1))))
	return 0
}

// optBoolArg reads the optional trailing as-array flag many getters
// accept.
func optBoolArg(l *lua.LState, n int) bool {
	if l.GetTop() >= n {
		return lua.LVAsBool(l.Get(n))
	}
	return false
}

func msgGetToken(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	l.Push(bytesToLua(l, m.pdu.Token(), optBoolArg(l, argBase+1)))
	return 1
}

func msgSetToken(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	var tok []byte
	if l.GetTop() >= argBase+1 {
		b, err := luaToBytes(l.Get(argBase + 1))
		if err != nil {
			// shape violations share the token taxonomy entry with
			// length violations
			raise(l, coapopt.ErrInvalidToken)
		}
		tok = b
	}

	if err := coapopt.ValidateToken(tok); err != nil {
		raise(l, err)
	}
	if m.hasOptions {
		raise(l, ErrTokenOrder)
	}
	m.pdu.SetToken(message.Token(tok))
	return 0
}

func msgGetOption(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	id := message.OptionID(l.CheckInt(argBase + 1))
	for _, o := range m.pdu.Options() {
		if o.ID != id {
			continue
		}
		l.Push(optValueToLua(l, coapopt.DecodeValue(id, o.Value)))
		l.Push(lua.LTrue)
		return 2
	}
	l.Push(lua.LNil)
	l.Push(lua.LFalse)
	return 2
}

func msgSetOption(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	id := message.OptionID(l.CheckInt(argBase + 1))

	var raw []byte
	if l.GetTop() >= argBase+2 {
		raw = encodeOptionValue(l, id, l.Get(argBase+2))
	}
	m.addOption(l, id, raw)
	return 0
}

// encodeOptionValue converts a script value to an option's raw bytes
// according to the option type's classification; for unknown types the
// format is deduced from the value's shape.
func encodeOptionValue(l *lua.LState, id message.OptionID, v lua.LValue) []byte {
	format := coapopt.Classify(id)
	if format == coapopt.FormatUnknown {
		switch v.(type) {
		case lua.LNumber:
			format = coapopt.FormatUInt
		case lua.LString:
			format = coapopt.FormatString
		case *lua.LTable:
			format = coapopt.FormatOpaque
		default:
			l.RaiseError("%s: number, string or bytes-array expected as an option value",
				ErrInvalidArgument)
		}
	}

	switch format {
	case coapopt.FormatUInt:
		n, ok := v.(lua.LNumber)
		if !ok || n < 0 {
			l.RaiseError("%s: non-negative number expected as an option value",
				ErrInvalidArgument)
		}
		return coapopt.EncodeUint(uint32(n))

	case coapopt.FormatString:
		s, ok := v.(lua.LString)
		if !ok {
			l.RaiseError("%s: string expected as an option value", ErrInvalidArgument)
		}
		return []byte(s)

	default: // opaque
		t, ok := v.(*lua.LTable)
		if !ok {
			l.RaiseError("%s: bytes-array expected as an option value", ErrInvalidArgument)
		}
		b, err := tableToBytes(t)
		if err != nil {
			raise(l, err)
		}
		out, err := coapopt.EncodeOpaque(b)
		if err != nil {
			raise(l, err)
		}
		return out
	}
}

// addOption appends an option enforcing the engine's non-decreasing
// option-type insertion order.
func (m *Message) addOption(l *lua.LState, id message.OptionID, raw []byte) {
	if m.hasOptions && id < m.lastOptID {
		raise(l, ErrOptionOrder)
	}
	m.pdu.AddOptionBytes(id, raw)
	m.lastOptID = id
	m.hasOptions = true
}

func msgGetURIPath(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	var segs []string
	present := false
	for _, o := range m.pdu.Options() {
		if o.ID != message.URIPath {
			continue
		}
		present = true
		if len(o.Value) > 0 {
			segs = append(segs, string(o.Value))
		}
	}

	if optBoolArg(l, argBase+1) {
		// the array form distinguishes zero-length segments from no
		// Uri-Path options at all
		if !present {
			l.Push(lua.LNil)
			return 1
		}
		t := l.CreateTable(len(segs), 0)
		for i, s := range segs {
			t.RawSetInt(i+1, lua.LString(s))
		}
		l.Push(t)
		return 1
	}

	if len(segs) == 0 {
		l.Push(lua.LNil)
		return 1
	}
	l.Push(lua.LString(coapopt.JoinPath(segs)))
	return 1
}

func msgSetURIPath(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	var segs []string
	switch v := l.Get(argBase + 1).(type) {
	case lua.LString:
		segs = coapopt.SplitPath(string(v))
	case *lua.LTable:
		ss, err := tableToStrings(v)
		if err != nil {
			raise(l, err)
		}
		segs = ss
	default:
		l.RaiseError("%s: string or strings-array expected as an URI path",
			ErrInvalidArgument)
	}

	for _, s := range segs {
		if s == "" {
			continue
		}
		m.addOption(l, message.URIPath, []byte(s))
	}
	return 0
}

func msgGetQstrParam(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	name := l.CheckString(argBase + 1)

	for _, o := range m.pdu.Options() {
		if o.ID != message.URIQuery {
			continue
		}
		p := coapopt.ParseQuery(o.Value)
		if p.Skip() || p.Name != name {
			continue
		}
		if p.HasValue {
			l.Push(lua.LString(p.Value))
		} else {
			l.Push(lua.LNil)
		}
		l.Push(lua.LTrue)
		return 2
	}

	l.Push(lua.LNil)
	l.Push(lua.LFalse)
	return 2
}

func msgGetPayload(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	l.Push(bytesToLua(l, m.payload(), optBoolArg(l, argBase+1)))
	return 1
}

// payload reads the PDU body, restoring it so later reads and the
// engine's marshalling still see it.
func (m *Message) payload() []byte {
	b, err := m.pdu.ReadBody()
	if err != nil || len(b) == 0 {
		return nil
	}
	m.pdu.SetBody(bytes.NewReader(b))
	return b
}

// setPayloadArg attaches the optional payload argument at position n;
// an absent argument leaves the body untouched.
func setPayloadArg(l *lua.LState, m *Message, n int) {
	if l.GetTop() < n {
		return
	}
	b, err := luaToBytes(l.Get(n))
	if err != nil {
		raise(l, err)
	}
	m.pdu.SetBody(bytes.NewReader(b))
}

// msgSendFinalize is the writable-handler send: it applies the default
// code when the handler set none, attaches the payload and locks the
// object. The engine transmits the response after the handler returns.
func msgSendFinalize(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	arg := argBase + 1
	if n, ok := l.Get(arg).(lua.LNumber); ok {
		m.pdu.SetCode(codeFromScript(int(n)))
		arg++
	}

	if m.pdu.Code() == codes.Empty && m.defCode != codes.Empty {
		m.pdu.SetCode(m.defCode)
		c.logger.Info("code not provided for a message being sent; using default",
			"code", codeToScript(m.defCode))
	}

	setPayloadArg(l, m, arg)
	m.state = stateLocked
	return 0
}

func msgGetConnection(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	// connections obtained from handler messages borrow the session;
	// closing them never releases it
	l.Push(c.wrapConnection(&Connection{sess: m.sess, owns: false}))
	return 1
}
