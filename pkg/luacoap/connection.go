// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/engine"
)

// Connection wraps an engine session for script use. Connections
// created by new_connection own the session and release it on close;
// connections obtained via get_connection borrow it.
type Connection struct {
	sess   *engine.Session
	owns   bool
	closed bool
}

type connMethod func(c *LibContext, l *lua.LState, cn *Connection, argBase int) int

var connMethods = map[string]connMethod{
	"get_addr":           connGetAddr,
	"get_port":           connGetPort,
	"get_max_pdu_size":   connGetMaxPDUSize,
	"get_max_retransmit": connGetMaxRetransmit,
	"set_max_retransmit": connSetMaxRetransmit,
	"get_ack_timeout":    connGetAckTimeout,
	"set_ack_timeout":    connSetAckTimeout,
	"send":               connSend,
	"close":              connClose,
}

func (c *LibContext) connectionIndex(l *lua.LState) int {
	ud := l.CheckUserData(1)
	cn, ok := ud.Value.(*Connection)
	if !ok {
		l.ArgError(1, "connection object expected")
		return 0
	}
	name := l.CheckString(2)

	if cn.closed {
		raise(l, ErrObjectLocked)
	}
	fn, ok := connMethods[name]
	if !ok {
		l.RaiseError("invalid method %s of connection object", name)
	}

	l.Push(l.NewFunction(func(l *lua.LState) int {
		argBase := 0
		if l.GetTop() >= 1 {
			if u, ok := l.Get(1).(*lua.LUserData); ok && u == ud {
				argBase = 1
			}
		}
		if cn.closed {
			raise(l, ErrObjectLocked)
		}
		return fn(c, l, cn, argBase)
	}))
	return 1
}

func (c *LibContext) wrapConnection(cn *Connection) *lua.LUserData {
	ud := c.l.NewUserData()
	ud.Value = cn
	c.l.SetMetatable(ud, c.connMT)
	return ud
}

func connGetAddr(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	addr := cn.sess.RemoteAddr()
	if optBoolArg(l, argBase+1) {
		addr = cn.sess.LocalAddr()
	}
	if addr == nil {
		l.Push(lua.LNil)
		return 1
	}
	l.Push(lua.LString(addr.IP.String()))
	return 1
}

func connGetPort(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	addr := cn.sess.RemoteAddr()
	if optBoolArg(l, argBase+1) {
		addr = cn.sess.LocalAddr()
	}
	if addr == nil {
		l.Push(lua.LNil)
		return 1
	}
	l.Push(lua.LNumber(addr.Port))
	return 1
}

func connGetMaxPDUSize(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	l.Push(lua.LNumber(cn.sess.MaxPDUSize()))
	return 1
}

func connGetMaxRetransmit(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	l.Push(lua.LNumber(cn.sess.MaxRetransmit()))
	return 1
}

func connSetMaxRetransmit(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	if err := cn.sess.SetMaxRetransmit(l.CheckInt(argBase + 1)); err != nil {
		raise(l, err)
	}
	return 0
}

func connGetAckTimeout(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	l.Push(lua.LNumber(cn.sess.AckTimeout().Millis()))
	return 1
}

func connSetAckTimeout(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	if err := cn.sess.SetAckTimeoutMillis(l.CheckInt(argBase + 1)); err != nil {
		raise(l, err)
	}
	return 0
}

// connSend transmits a script-created message. Handler-scoped messages
// are refused: their transmission belongs to the engine. A transport
// failure is logged, not raised; the message is locked either way.
func connSend(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	ud := l.CheckUserData(argBase + 1)
	m, ok := ud.Value.(*Message)
	if !ok {
		l.ArgError(argBase+1, "message object expected")
		return 0
	}

	if m.scope != scopeNone {
		raise(l, ErrWrongSendPath)
	}
	if m.state == stateLocked {
		raise(l, ErrObjectLocked)
	}
	setPayloadArg(l, m, argBase+2)

	if err := cn.sess.Send(m.pdu); err != nil {
		c.logger.Error("message send failed", "error", err.Error())
	}
	m.state = stateLocked
	return 0
}

func connClose(c *LibContext, l *lua.LState, cn *Connection, argBase int) int {
	cn.closed = true
	if cn.owns {
		if err := cn.sess.Close(); err != nil {
			c.logger.Error("connection close failed", "error", err.Error())
		}
	}
	return 0
}
