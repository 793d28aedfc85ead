// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/engine"
)

// Well-known global handler names. When no handler reference is set a
// global function of the matching name, if defined, takes its place.
const (
	reqHandlerGlobal  = "coap_req_handler"
	respHandlerGlobal = "coap_resp_handler"
	nackHandlerGlobal = "coap_nack_handler"
)

// defaultResponseCode picks the success code implied by the request
// method; codes.Empty when the method implies none.
func defaultResponseCode(method codes.Code) codes.Code {
	switch method {
	case codes.GET, codeFETCH:
		return codes.Content
	case codes.POST, codePATCH, codeIPATCH:
		return codes.Changed
	case codes.PUT:
		return codes.Created
	case codes.DELETE:
		return codes.Deleted
	}
	return codes.Empty
}

func (c *LibContext) registerCallbacks() {
	c.eng.OnRequest = c.dispatchRequest
	c.eng.OnResponse = c.dispatchResponse
	c.eng.OnNack = c.dispatchNack
}

// resolveHandler returns the configured handler reference or, when
// none is set, the well-known global of the given name.
func (c *LibContext) resolveHandler(ref *lua.LFunction, global string) *lua.LFunction {
	if ref != nil {
		return ref
	}
	if fn, ok := c.l.GetGlobal(global).(*lua.LFunction); ok {
		return fn
	}
	return nil
}

// dispatchRequest bridges an inbound request to the script: the
// request wrapped read-only, the response writable with the method's
// default code armed. Both objects are locked when the handler
// returns, whether it succeeded or raised.
func (c *LibContext) dispatchRequest(req, resp *pool.Message, sess *engine.Session) {
	fn := c.resolveHandler(c.reqHandler, reqHandlerGlobal)
	if fn == nil {
		return
	}

	mreq := &Message{pdu: req, sess: sess, state: stateReadOnlyHandler, scope: scopeRequest}
	mresp := &Message{
		pdu:     resp,
		sess:    sess,
		state:   stateWritableHandler,
		scope:   scopeRequest,
		defCode: defaultResponseCode(req.Code()),
	}
	defer func() {
		mreq.state = stateLocked
		mresp.state = stateLocked
	}()

	err := c.l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
		c.wrapMessage(mreq), c.wrapMessage(mresp))
	if err != nil {
		c.logger.Error("request handler failed", "error", err.Error())
	}
}

// dispatchResponse bridges an inbound response to the script. Both
// messages are read-only; sent is nil when the engine could not
// correlate the response with a request. The handler's boolean return
// directs auto-acknowledgement of confirmable responses; nil or no
// return means acknowledge.
func (c *LibContext) dispatchResponse(sent, received *pool.Message, sess *engine.Session) bool {
	fn := c.resolveHandler(c.respHandler, respHandlerGlobal)
	if fn == nil {
		return true
	}

	var sentArg lua.LValue = lua.LNil
	var msent *Message
	if sent != nil {
		msent = &Message{pdu: sent, sess: sess, state: stateReadOnlyHandler, scope: scopeResponse}
		sentArg = c.wrapMessage(msent)
	}
	mrecv := &Message{pdu: received, sess: sess, state: stateReadOnlyHandler, scope: scopeResponse}
	defer func() {
		if msent != nil {
			msent.state = stateLocked
		}
		mrecv.state = stateLocked
	}()

	err := c.l.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true},
		sentArg, c.wrapMessage(mrecv))
	if err != nil {
		c.logger.Error("response handler failed", "error", err.Error())
		return true
	}

	ret := c.l.Get(-1)
	c.l.Pop(1)
	switch v := ret.(type) {
	case lua.LBool:
		return bool(v)
	case *lua.LNilType:
		return true
	default:
		c.logger.Warn("ignoring response handler result; boolean or nothing expected",
			"type", ret.Type().String())
		return true
	}
}

// dispatchNack bridges a delivery failure to the script. The failed
// message is read-only and locked afterwards.
func (c *LibContext) dispatchNack(sent *pool.Message, reason engine.NackReason, messageID int32, sess *engine.Session) {
	fn := c.resolveHandler(c.nackHandler, nackHandlerGlobal)
	if fn == nil {
		return
	}

	var sentArg lua.LValue = lua.LNil
	var msent *Message
	if sent != nil {
		msent = &Message{pdu: sent, sess: sess, state: stateReadOnlyHandler, scope: scopeNack}
		sentArg = c.wrapMessage(msent)
	}
	defer func() {
		if msent != nil {
			msent.state = stateLocked
		}
	}()

	err := c.l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
		sentArg, lua.LNumber(reason), lua.LNumber(uint16(messageID)))
	if err != nil {
		c.logger.Error("nack handler failed", "error", err.Error())
	}
}
