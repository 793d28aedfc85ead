// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package luacoap

import (
	"log/slog"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	lua "github.com/yuin/gopher-lua"

	"github.com/pstolarz/copua/pkg/engine"
)

// ModuleName is the name scripts require the library under.
const ModuleName = "coap"

// defaultLogLevel is syslog WARNING, the engine's verbosity default.
const defaultLogLevel = 4

// LibContext glues one Lua interpreter to one engine instance. It is
// not safe for concurrent use: all script execution, handler dispatch
// and ProcessStep polling happen on the caller's goroutine.
type LibContext struct {
	l        *lua.LState
	logger   *slog.Logger
	levelVar *slog.LevelVar
	logLevel int

	eng *engine.Engine

	msgMT  *lua.LTable
	connMT *lua.LTable

	reqHandler  *lua.LFunction
	respHandler *lua.LFunction
	nackHandler *lua.LFunction

	closed bool
}

// Option configures a LibContext.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	levelVar   *slog.LevelVar
	metrics    *engine.Metrics
	maxPDUSize int
}

// WithLogger sets the logger used by the library and its engine.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLogLevelVar hands the library the level variable backing its
// logger, letting scripts adjust verbosity via set_log_level.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(o *options) { o.levelVar = v }
}

// WithMetrics enables Prometheus instrumentation of the engine.
func WithMetrics(m *engine.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithMaxPDUSize sets the initial outbound PDU bound.
func WithMaxPDUSize(n int) Option {
	return func(o *options) { o.maxPDUSize = n }
}

// Preload creates a library context bound to l and preloads it so
// scripts can require("coap"). The returned context must be closed
// after the interpreter is done with it.
func Preload(l *lua.LState, opts ...Option) *LibContext {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &LibContext{
		l:        l,
		logger:   o.logger,
		levelVar: o.levelVar,
		logLevel: defaultLogLevel,
		eng: engine.New(engine.Config{
			Logger:     o.logger,
			Metrics:    o.metrics,
			MaxPDUSize: o.maxPDUSize,
		}),
	}
	c.registerCallbacks()

	c.msgMT = l.NewTable()
	l.SetField(c.msgMT, "__index", l.NewFunction(c.messageIndex))
	c.connMT = l.NewTable()
	l.SetField(c.connMT, "__index", l.NewFunction(c.connectionIndex))

	l.PreloadModule(ModuleName, c.loader)
	return c
}

// Engine exposes the underlying engine, mainly for tests and host
// applications embedding the library.
func (c *LibContext) Engine() *engine.Engine { return c.eng }

// Close tears down the engine: the server endpoint and all client
// sessions are released. The interpreter itself is left to the caller.
func (c *LibContext) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.reqHandler = nil
	c.respHandler = nil
	c.nackHandler = nil
	return c.eng.Close()
}

func (c *LibContext) loader(l *lua.LState) int {
	mod := l.SetFuncs(l.NewTable(), map[string]lua.LGFunction{
		"new_msg":          c.luaNewMsg,
		"bind_server":      c.luaBindServer,
		"new_connection":   c.luaNewConnection,
		"process_step":     c.luaProcessStep,
		"get_req_handler":  c.luaGetReqHandler,
		"set_req_handler":  c.luaSetReqHandler,
		"get_resp_handler": c.luaGetRespHandler,
		"set_resp_handler": c.luaSetRespHandler,
		"get_nack_handler": c.luaGetNackHandler,
		"set_nack_handler": c.luaSetNackHandler,
		"get_log_level":    c.luaGetLogLevel,
		"set_log_level":    c.luaSetLogLevel,
		"set_max_pdu_size": c.luaSetMaxPDUSize,
	})
	setModuleConstants(l, mod)
	l.Push(mod)
	return 1
}

// setModuleConstants publishes the protocol constants scripts use with
// the module functions.
func setModuleConstants(l *lua.LState, mod *lua.LTable) {
	set := func(name string, v int) {
		l.SetField(mod, name, lua.LNumber(v))
	}

	// message types
	set("CON", int(message.Confirmable))
	set("NON", int(message.NonConfirmable))
	set("ACK", int(message.Acknowledgement))
	set("RST", int(message.Reset))

	// request methods, decimal class.detail form
	set("GET", codeToScript(codes.GET))
	set("POST", codeToScript(codes.POST))
	set("PUT", codeToScript(codes.PUT))
	set("DELETE", codeToScript(codes.DELETE))
	set("FETCH", codeToScript(codeFETCH))
	set("PATCH", codeToScript(codePATCH))
	set("IPATCH", codeToScript(codeIPATCH))

	// option types
	set("OPT_IF_MATCH", int(message.IfMatch))
	set("OPT_URI_HOST", int(message.URIHost))
	set("OPT_ETAG", int(message.ETag))
	set("OPT_IF_NONE_MATCH", int(message.IfNoneMatch))
	set("OPT_OBSERVE", int(message.Observe))
	set("OPT_URI_PORT", int(message.URIPort))
	set("OPT_LOCATION_PATH", int(message.LocationPath))
	set("OPT_URI_PATH", int(message.URIPath))
	set("OPT_CONTENT_FORMAT", int(message.ContentFormat))
	set("OPT_MAXAGE", int(message.MaxAge))
	set("OPT_URI_QUERY", int(message.URIQuery))
	set("OPT_ACCEPT", int(message.Accept))
	set("OPT_LOCATION_QUERY", int(message.LocationQuery))
	set("OPT_BLOCK2", int(message.Block2))
	set("OPT_BLOCK1", int(message.Block1))
	set("OPT_SIZE2", int(message.Size2))
	set("OPT_PROXY_URI", int(message.ProxyURI))
	set("OPT_PROXY_SCHEME", int(message.ProxyScheme))
	set("OPT_SIZE1", int(message.Size1))

	// nack reasons
	set("NACK_TOO_MANY_RETRIES", int(engine.NackTooManyRetries))
	set("NACK_NOT_DELIVERABLE", int(engine.NackNotDeliverable))
	set("NACK_RST", int(engine.NackRst))

	// syslog-style log levels accepted by set_log_level
	set("LOG_EMERG", 0)
	set("LOG_ALERT", 1)
	set("LOG_CRIT", 2)
	set("LOG_ERR", 3)
	set("LOG_WARNING", 4)
	set("LOG_NOTICE", 5)
	set("LOG_INFO", 6)
	set("LOG_DEBUG", 7)
}

// checkOpen guards module entry points against use after Close.
func (c *LibContext) checkOpen(l *lua.LState) {
	if c.closed {
		raise(l, ErrNoLibraryContext)
	}
}

func (c *LibContext) luaNewMsg(l *lua.LState) int {
	c.checkOpen(l)
	typ := l.CheckInt(1)
	code := l.CheckInt(2)
	mid := l.CheckInt(3)

	pdu := c.eng.NewMessage()
	pdu.SetType(message.Type(typ & 3))
	pdu.SetCode(codeFromScript(code))
	pdu.SetMessageID(int32(uint16(mid)))

	l.Push(c.wrapMessage(&Message{pdu: pdu, state: stateFresh, scope: scopeNone}))
	return 1
}

func (c *LibContext) luaBindServer(l *lua.LState) int {
	c.checkOpen(l)
	host := l.CheckString(1)
	port := l.CheckInt(2)
	if port < 0 || port > 65535 {
		l.RaiseError("%s: invalid port %d", ErrInvalidArgument, port)
	}

	if err := c.eng.Bind(host, port); err != nil {
		l.RaiseError("%s: %s", ErrEngineFailure, err.Error())
	}
	if l.GetTop() >= 3 {
		c.reqHandler = c.checkHandlerArg(l, 3)
	}
	return 0
}

func (c *LibContext) luaNewConnection(l *lua.LState) int {
	c.checkOpen(l)
	host := l.CheckString(1)
	port := l.CheckInt(2)
	if port <= 0 || port > 65535 {
		l.RaiseError("%s: invalid port %d", ErrInvalidArgument, port)
	}

	sess, err := c.eng.Connect(host, port)
	if err != nil {
		l.RaiseError("%s: %s", ErrEngineFailure, err.Error())
	}
	l.Push(c.wrapConnection(&Connection{sess: sess, owns: true}))
	return 1
}

// luaProcessStep runs one engine poll iteration. No argument blocks
// until activity, a non-positive timeout polls without blocking, a
// positive one bounds the wait in milliseconds. Returns the elapsed
// milliseconds, or -1 on engine failure.
func (c *LibContext) luaProcessStep(l *lua.LState) int {
	timeout := time.Duration(-1)
	if l.GetTop() >= 1 {
		if t := l.CheckInt(1); t <= 0 {
			timeout = 0
		} else {
			timeout = time.Duration(t) * time.Millisecond
		}
	}

	spent, err := c.eng.RunOnce(timeout)
	if err != nil {
		c.logger.Error("process step failed", "error", err.Error())
		l.Push(lua.LNumber(-1))
		return 1
	}
	l.Push(lua.LNumber(spent.Milliseconds()))
	return 1
}

// checkHandlerArg resolves a handler argument: a function is taken as
// is, a string names a global that must hold a function, nil restores
// the well-known global fallback.
func (c *LibContext) checkHandlerArg(l *lua.LState, n int) *lua.LFunction {
	switch v := l.Get(n).(type) {
	case *lua.LFunction:
		return v
	case lua.LString:
		fn, ok := l.GetGlobal(string(v)).(*lua.LFunction)
		if !ok {
			l.RaiseError("%s: no global function %s", ErrInvalidArgument, string(v))
		}
		return fn
	case *lua.LNilType:
		return nil
	default:
		l.ArgError(n, "function, global function name or nil expected")
	}
	return nil
}

func pushHandler(l *lua.LState, fn *lua.LFunction) int {
	if fn == nil {
		l.Push(lua.LNil)
	} else {
		l.Push(fn)
	}
	return 1
}

func (c *LibContext) luaGetReqHandler(l *lua.LState) int {
	return pushHandler(l, c.reqHandler)
}

func (c *LibContext) luaSetReqHandler(l *lua.LState) int {
	c.reqHandler = nil
	if l.GetTop() >= 1 {
		c.reqHandler = c.checkHandlerArg(l, 1)
	}
	return 0
}

func (c *LibContext) luaGetRespHandler(l *lua.LState) int {
	return pushHandler(l, c.respHandler)
}

func (c *LibContext) luaSetRespHandler(l *lua.LState) int {
	c.respHandler = nil
	if l.GetTop() >= 1 {
		c.respHandler = c.checkHandlerArg(l, 1)
	}
	return 0
}

func (c *LibContext) luaGetNackHandler(l *lua.LState) int {
	return pushHandler(l, c.nackHandler)
}

func (c *LibContext) luaSetNackHandler(l *lua.LState) int {
	c.nackHandler = nil
	if l.GetTop() >= 1 {
		c.nackHandler = c.checkHandlerArg(l, 1)
	}
	return 0
}

func (c *LibContext) luaGetLogLevel(l *lua.LState) int {
	l.Push(lua.LNumber(c.logLevel))
	return 1
}

// luaSetLogLevel maps the syslog-style levels onto slog when a level
// variable was supplied; the numeric value round-trips regardless.
func (c *LibContext) luaSetLogLevel(l *lua.LState) int {
	level := l.CheckInt(1)
	if level < 0 || level > 7 {
		l.RaiseError("%s: log level out of range", ErrInvalidArgument)
	}
	c.logLevel = level
	if c.levelVar != nil {
		c.levelVar.Set(slogLevel(level))
	}
	return 0
}

func slogLevel(level int) slog.Level {
	switch {
	case level >= 7:
		return slog.LevelDebug
	case level >= 5:
		return slog.LevelInfo
	case level == 4:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func (c *LibContext) luaSetMaxPDUSize(l *lua.LState) int {
	if err := c.eng.SetMaxPDUSize(l.CheckInt(1)); err != nil {
		l.RaiseError("%s: %s", ErrInvalidArgument, err.Error())
	}
	return 0
}
