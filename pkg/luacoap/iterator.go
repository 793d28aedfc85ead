// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"github.com/plgd-dev/go-coap/v3/message"
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/coapopt"
)

// maxQstrFilterArgs bounds the number of query parameter names a
// qstr_params call may filter on.
const maxQstrFilterArgs = 10

// optionIterator walks a snapshot of a message's options, optionally
// restricted to a set of option types. Once exhausted it stays
// exhausted: further calls keep returning nil.
type optionIterator struct {
	opts   []message.Option
	filter map[message.OptionID]struct{}
	idx    int
	done   bool
}

func (it *optionIterator) next(l *lua.LState) int {
	if it.done {
		l.Push(lua.LNil)
		return 1
	}
	for it.idx < len(it.opts) {
		o := it.opts[it.idx]
		it.idx++
		if it.filter != nil {
			if _, ok := it.filter[o.ID]; !ok {
				continue
			}
		}
		l.Push(lua.LNumber(o.ID))
		l.Push(optValueToLua(l, coapopt.DecodeValue(o.ID, o.Value)))
		return 2
	}
	it.done = true
	it.filter = nil
	l.Push(lua.LNil)
	return 1
}

// msgOptions creates an options iterator: for opt, val in msg.options(...).
// With no arguments all options are visited in PDU order; otherwise
// only options of the listed types.
func msgOptions(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	var filter map[message.OptionID]struct{}
	if n := l.GetTop() - argBase; n > 0 {
		filter = make(map[message.OptionID]struct{}, n)
		for i := 1; i <= n; i++ {
			filter[message.OptionID(l.CheckInt(argBase+i))] = struct{}{}
		}
	}

	opts := m.pdu.Options()
	it := &optionIterator{
		opts:   append([]message.Option(nil), opts...),
		filter: filter,
	}
	l.Push(l.NewFunction(func(l *lua.LState) int {
		return it.next(l)
	}))
	return 1
}

// queryIterator walks the Uri-Query options of a message as parsed
// name/value pairs. The filter names are copied out of the interpreter
// at creation time and released exactly once, on exhaustion.
type queryIterator struct {
	queries [][]byte
	names   []string
	idx     int
	done    bool
}

func (it *queryIterator) next(l *lua.LState) int {
	if it.done {
		l.Push(lua.LNil)
		return 1
	}
	for it.idx < len(it.queries) {
		p := coapopt.ParseQuery(it.queries[it.idx])
		it.idx++
		if p.Skip() || !it.matches(p.Name) {
			continue
		}
		l.Push(lua.LString(p.Name))
		if p.HasValue {
			l.Push(lua.LString(p.Value))
		} else {
			l.Push(lua.LNil)
		}
		return 2
	}
	it.done = true
	it.names = nil
	l.Push(lua.LNil)
	return 1
}

func (it *queryIterator) matches(name string) bool {
	if it.names == nil {
		return true
	}
	for _, n := range it.names {
		if n == name {
			return true
		}
	}
	return false
}

// msgQstrParams creates a query string parameters iterator:
// for name, val in msg.qstr_params(...).
func msgQstrParams(c *LibContext, l *lua.LState, m *Message, argBase int) int {
	var names []string
	if n := l.GetTop() - argBase; n > 0 {
		if n > maxQstrFilterArgs {
			raise(l, ErrTooManyFilterArgs)
		}
		names = make([]string, 0, n)
		for i := 1; i <= n; i++ {
			names = append(names, l.CheckString(argBase+i))
		}
	}

	var queries [][]byte
	for _, o := range m.pdu.Options() {
		if o.ID == message.URIQuery {
			queries = append(queries, append([]byte(nil), o.Value...))
		}
	}

	it := &queryIterator{queries: queries, names: names}
	l.Push(l.NewFunction(func(l *lua.LState) int {
		return it.next(l)
	}))
	return 1
}
