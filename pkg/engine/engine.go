// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	// DefaultMaxPDUSize is the default maximum PDU size in bytes.
	DefaultMaxPDUSize = 1152

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// defaultEventBuffer is the default inbound event queue depth.
	defaultEventBuffer = 128
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// NackReason describes why a confirmable message was negatively
// acknowledged.
type NackReason int

const (
	// NackTooManyRetries means the retransmission budget was exhausted.
	NackTooManyRetries NackReason = iota
	// NackNotDeliverable means the message could not be written to the
	// peer at all.
	NackNotDeliverable
	// NackRst means the peer answered with a Reset message.
	NackRst
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackNotDeliverable:
		return "not_deliverable"
	case NackRst:
		return "rst"
	}
	return fmt.Sprintf("NackReason(%d)", int(r))
}

// RequestHandler is invoked for every inbound request. resp is a
// pre-built response PDU (ACK for confirmable requests, NON otherwise)
// with the request's token and an empty code; if the handler leaves a
// non-empty code on it, the engine sends it after the handler returns.
type RequestHandler func(req, resp *pool.Message, sess *Session)

// ResponseHandler is invoked for every inbound response. sent is the
// originally-sent request when the engine can still correlate it, nil
// otherwise. The returned boolean directs whether the engine
// acknowledges a confirmable response with an empty ACK.
type ResponseHandler func(sent, received *pool.Message, sess *Session) bool

// NackHandler is invoked when a confirmable message is negatively
// acknowledged.
type NackHandler func(sent *pool.Message, reason NackReason, messageID int32, sess *Session)

// Config holds the engine configuration.
type Config struct {
	// Logger for engine events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation.
	Metrics *Metrics

	// MaxPDUSize bounds outbound PDUs. Defaults to DefaultMaxPDUSize.
	MaxPDUSize int

	// EventBuffer is the inbound event queue depth.
	EventBuffer int
}

// event is one datagram delivered by a socket reader goroutine.
type event struct {
	data []byte
	from *net.UDPAddr
	sess *Session // nil for endpoint datagrams
}

// pendingSend tracks an unacknowledged confirmable message.
type pendingSend struct {
	sess      *Session
	msg       *pool.Message
	data      []byte
	messageID int32
	token     string
	deadline  time.Time
	timeout   time.Duration
	attempts  int
}

// Engine is the CoAP engine context. It owns the server endpoint,
// client sessions and the retransmission queue. All callback dispatch
// is synchronous within RunOnce; the engine itself never calls back
// from another goroutine.
type Engine struct {
	logger  *slog.Logger
	metrics *Metrics

	OnRequest  RequestHandler
	OnResponse ResponseHandler
	OnNack     NackHandler

	events chan event
	done   chan struct{}
	closed bool

	// mu guards session tables; socket reader goroutines never touch
	// them, but Close may race with RunOnce callers in tests.
	mu           sync.Mutex
	endpoint     *net.UDPConn
	endpointAddr *net.UDPAddr
	clients      map[string]*Session // by session ID
	peers        map[string]*Session // borrowed, by remote address

	pending    map[int32]*pendingSend
	maxPDUSize int
	msgID      uint32
	bufPool    sync.Pool
}

// New creates an engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxPDUSize <= 0 {
		cfg.MaxPDUSize = DefaultMaxPDUSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Engine{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		events:     make(chan event, cfg.EventBuffer),
		done:       make(chan struct{}),
		clients:    make(map[string]*Session),
		peers:      make(map[string]*Session),
		pending:    make(map[int32]*pendingSend),
		maxPDUSize: cfg.MaxPDUSize,
		msgID:      uint32(rand.Intn(0x10000)),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, MaxDatagramSize)
				return &buf
			},
		},
	}
}

// MaxPDUSize returns the configured outbound PDU bound.
func (e *Engine) MaxPDUSize() int { return e.maxPDUSize }

// SetMaxPDUSize adjusts the outbound PDU bound. n must be positive.
func (e *Engine) SetMaxPDUSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("max PDU size must be > 0, got %d", n)
	}
	if n > MaxDatagramSize {
		n = MaxDatagramSize
	}
	e.maxPDUSize = n
	return nil
}

// NewMessage creates an empty PDU bound to the engine's lifetime.
func (e *Engine) NewMessage() *pool.Message {
	return pool.NewMessage(context.Background())
}

// NextMessageID returns a fresh message ID.
func (e *Engine) NextMessageID() int32 {
	e.msgID++
	return int32(uint16(e.msgID))
}

// Bind opens (or replaces) the server endpoint on the given address and
// port. Port 0 binds an ephemeral port; LocalAddr exposes the result.
func (e *Engine) Bind(host string, port int) error {
	if e.closed {
		return ErrClosed
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port number %d", port)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("failed to resolve address %s:%d: %w", host, port, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	e.mu.Lock()
	if e.endpoint != nil {
		// rebind frees the previous endpoint and its borrowed sessions
		e.endpoint.Close()
		for k, s := range e.peers {
			s.closed = true
			delete(e.peers, k)
			e.metrics.sessions(-1)
		}
	}
	e.endpoint = conn
	e.endpointAddr = conn.LocalAddr().(*net.UDPAddr)
	e.mu.Unlock()

	go e.readLoop(conn, nil)

	e.logger.Info("server endpoint bound",
		slog.String("address", e.endpointAddr.String()))
	return nil
}

// LocalAddr returns the server endpoint address, nil when unbound.
func (e *Engine) LocalAddr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpointAddr
}

// Connect opens a client session to the given CoAP server.
func (e *Engine) Connect(host string, port int) (*Session, error) {
	if e.closed {
		return nil, ErrClosed
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port number %d", port)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address %s:%d: %w", host, port, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sess := newSession(e, conn, addr, conn.LocalAddr().(*net.UDPAddr), false)

	e.mu.Lock()
	e.clients[sess.ID()] = sess
	e.mu.Unlock()
	e.metrics.sessions(1)

	go e.readLoop(conn, sess)

	e.logger.Debug("new client session",
		slog.String("session", sess.ID()),
		slog.String("remote", addr.String()))
	return sess, nil
}

// dropSession removes the session from the engine's tables and cancels
// its pending confirmable messages.
func (e *Engine) dropSession(s *Session) {
	e.mu.Lock()
	if s.borrowed {
		delete(e.peers, s.remote.String())
	} else {
		delete(e.clients, s.id)
	}
	e.mu.Unlock()
	e.metrics.sessions(-1)

	for mid, p := range e.pending {
		if p.sess == s {
			delete(e.pending, mid)
		}
	}
}

// readLoop delivers datagrams from a socket to the event queue. One
// reader goroutine runs per socket; it exits when the socket closes.
func (e *Engine) readLoop(conn *net.UDPConn, sess *Session) {
	for {
		bufPtr := e.bufPool.Get().(*[]byte)
		buf := *bufPtr

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			e.bufPool.Put(bufPtr)
			select {
			case <-e.done:
			default:
				e.logger.Debug("socket read finished",
					slog.String("error", err.Error()))
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.bufPool.Put(bufPtr)

		select {
		case e.events <- event{data: data, from: from, sess: sess}:
		case <-e.done:
			return
		}
	}
}

// RunOnce services the engine once: it waits up to timeout for inbound
// datagrams, dispatches callbacks for everything that arrived, and
// handles due retransmissions. A negative timeout blocks until there
// is work; zero polls without blocking. It returns the time spent.
//
// RunOnce is the sole suspension point of the engine. It must be
// called periodically and never re-entered from within a callback.
func (e *Engine) RunOnce(timeout time.Duration) (time.Duration, error) {
	if e.closed {
		return 0, ErrClosed
	}

	start := time.Now()
	block := timeout < 0
	deadline := start.Add(timeout)

	for {
		e.serviceRetransmits(time.Now())

		if e.drain() || timeout == 0 {
			return time.Since(start), nil
		}

		// wait bounded by the nearest retransmit deadline and, unless
		// blocking, the caller's timeout
		wait := time.Duration(-1)
		if next, ok := e.nextRetransmit(); ok {
			wait = time.Until(next)
			if wait < 0 {
				continue
			}
		}
		if !block {
			left := time.Until(deadline)
			if left <= 0 {
				return time.Since(start), nil
			}
			if wait < 0 || left < wait {
				wait = left
			}
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case ev, ok := <-e.events:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return time.Since(start), ErrClosed
			}
			e.dispatch(ev)
			e.drain()
			return time.Since(start), nil
		case <-timerC:
			// due retransmit or expired timeout; loop decides
		case <-e.done:
			if timer != nil {
				timer.Stop()
			}
			return time.Since(start), ErrClosed
		}
	}
}

// drain dispatches every immediately-available event.
func (e *Engine) drain() bool {
	handled := false
	for {
		select {
		case ev, ok := <-e.events:
			if !ok {
				return handled
			}
			e.dispatch(ev)
			handled = true
		default:
			return handled
		}
	}
}

// dispatch decodes a datagram and routes it to the proper callback.
func (e *Engine) dispatch(ev event) {
	msg := pool.NewMessage(context.Background())
	if _, err := msg.UnmarshalWithDecoder(coder.DefaultCoder, ev.data); err != nil {
		e.logger.Debug("dropping malformed datagram",
			slog.String("from", ev.from.String()),
			slog.String("error", err.Error()))
		return
	}

	sess := ev.sess
	if sess == nil {
		sess = e.peerSession(ev.from)
	}
	e.handleInbound(msg, sess)
}

// peerSession returns the borrowed session for a server-observed peer,
// creating it on first contact.
func (e *Engine) peerSession(remote *net.UDPAddr) *Session {
	key := remote.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.peers[key]; ok {
		return s
	}
	s := newSession(e, e.endpoint, remote, e.endpointAddr, true)
	e.peers[key] = s
	e.metrics.sessions(1)

	e.logger.Debug("new peer session",
		slog.String("session", s.ID()),
		slog.String("remote", key))
	return s
}

func (e *Engine) handleInbound(msg *pool.Message, sess *Session) {
	e.metrics.received(kindOf(msg))

	code := msg.Code()
	typ := msg.Type()

	if code == codes.Empty {
		e.handleEmpty(msg, sess, typ)
		return
	}

	switch code >> 5 {
	case 0:
		e.handleRequest(msg, sess, typ)
	case 2, 4, 5:
		e.handleResponse(msg, sess, typ)
	default:
		e.logger.Debug("ignoring message with reserved code class",
			slog.Int("code", int(code)))
	}
}

func (e *Engine) handleEmpty(msg *pool.Message, sess *Session, typ message.Type) {
	switch typ {
	case message.Acknowledgement:
		// empty ACK stops retransmission; the response follows separately
		e.takePending(msg.MessageID())

	case message.Reset:
		if p := e.takePending(msg.MessageID()); p != nil {
			e.metrics.nack(NackRst)
			if e.OnNack != nil {
				e.OnNack(p.msg, NackRst, p.messageID, sess)
			}
		}

	case message.Confirmable:
		// CoAP ping; answer with an empty Reset
		e.sendEmpty(sess, message.Reset, msg.MessageID())
	}
}

func (e *Engine) handleRequest(req *pool.Message, sess *Session, typ message.Type) {
	if e.OnRequest == nil {
		return
	}

	resp := pool.NewMessage(context.Background())
	if typ == message.Confirmable {
		resp.SetType(message.Acknowledgement)
		resp.SetMessageID(req.MessageID())
	} else {
		resp.SetType(message.NonConfirmable)
		resp.SetMessageID(e.NextMessageID())
	}
	resp.SetCode(codes.Empty)
	resp.SetToken(req.Token())

	e.OnRequest(req, resp, sess)

	if resp.Code() != codes.Empty {
		if err := sess.Send(resp); err != nil {
			e.logger.Error("failed to send response",
				slog.String("session", sess.ID()),
				slog.String("error", err.Error()))
		}
		return
	}
	if typ == message.Confirmable {
		// no response from the handler; acknowledge the request alone
		e.sendEmpty(sess, message.Acknowledgement, req.MessageID())
	}
}

func (e *Engine) handleResponse(recv *pool.Message, sess *Session, typ message.Type) {
	p := e.takePendingToken(string(recv.Token()))
	if p == nil && typ == message.Acknowledgement {
		p = e.takePending(recv.MessageID())
	}

	var sent *pool.Message
	if p != nil {
		sent = p.msg
	}

	autoAck := true
	if e.OnResponse != nil {
		autoAck = e.OnResponse(sent, recv, sess)
	}

	if autoAck && typ == message.Confirmable {
		e.sendEmpty(sess, message.Acknowledgement, recv.MessageID())
	}
}

// sendEmpty transmits an empty (code 0.00, no token, no payload)
// message of the given type.
func (e *Engine) sendEmpty(sess *Session, typ message.Type, mid int32) {
	msg := pool.NewMessage(context.Background())
	msg.SetType(typ)
	msg.SetCode(codes.Empty)
	msg.SetMessageID(mid)

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		e.logger.Error("failed to marshal empty message",
			slog.String("error", err.Error()))
		return
	}
	if err := sess.write(data); err != nil {
		e.logger.Error("failed to send empty message",
			slog.String("session", sess.ID()),
			slog.String("error", err.Error()))
		return
	}
	e.metrics.sent(kindOfType(typ))
}

// trackConfirmable registers a sent confirmable message for
// retransmission until acknowledged or the budget is exhausted.
func (e *Engine) trackConfirmable(sess *Session, msg *pool.Message, data []byte) {
	timeout := sess.AckTimeout().Duration()
	e.pending[msg.MessageID()] = &pendingSend{
		sess:      sess,
		msg:       msg,
		data:      data,
		messageID: msg.MessageID(),
		token:     string(msg.Token()),
		deadline:  time.Now().Add(timeout),
		timeout:   timeout,
	}
}

func (e *Engine) takePending(mid int32) *pendingSend {
	p, ok := e.pending[mid]
	if !ok {
		return nil
	}
	delete(e.pending, mid)
	return p
}

func (e *Engine) takePendingToken(token string) *pendingSend {
	for mid, p := range e.pending {
		if p.token == token {
			delete(e.pending, mid)
			return p
		}
	}
	return nil
}

func (e *Engine) nextRetransmit() (time.Time, bool) {
	var next time.Time
	found := false
	for _, p := range e.pending {
		if !found || p.deadline.Before(next) {
			next = p.deadline
			found = true
		}
	}
	return next, found
}

// serviceRetransmits resends due confirmable messages with exponential
// backoff and fires the NACK callback once the budget is exhausted.
func (e *Engine) serviceRetransmits(now time.Time) {
	for mid, p := range e.pending {
		if p.deadline.After(now) {
			continue
		}

		if p.attempts >= p.sess.MaxRetransmit() {
			delete(e.pending, mid)
			e.metrics.nack(NackTooManyRetries)
			if e.OnNack != nil {
				e.OnNack(p.msg, NackTooManyRetries, p.messageID, p.sess)
			}
			continue
		}

		p.attempts++
		p.timeout *= 2
		p.deadline = now.Add(p.timeout)

		if err := p.sess.write(p.data); err != nil {
			e.logger.Debug("retransmit failed",
				slog.String("session", p.sess.ID()),
				slog.String("error", err.Error()))
			delete(e.pending, mid)
			e.metrics.nack(NackNotDeliverable)
			if e.OnNack != nil {
				e.OnNack(p.msg, NackNotDeliverable, p.messageID, p.sess)
			}
			continue
		}
		e.metrics.retransmit()

		e.logger.Debug("retransmitted confirmable message",
			slog.Int("message_id", int(mid)),
			slog.Int("attempt", p.attempts))
	}
}

// Close tears down the endpoint, all sessions and the event queue.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.endpoint != nil {
		e.endpoint.Close()
		e.endpoint = nil
		e.endpointAddr = nil
	}
	for id, s := range e.clients {
		s.closed = true
		s.conn.Close()
		delete(e.clients, id)
		e.metrics.sessions(-1)
	}
	for k, s := range e.peers {
		s.closed = true
		delete(e.peers, k)
		e.metrics.sessions(-1)
	}
	return nil
}

func kindOf(msg *pool.Message) string {
	return kindOfType(msg.Type())
}

func kindOfType(typ message.Type) string {
	switch typ {
	case message.Confirmable:
		return "con"
	case message.NonConfirmable:
		return "non"
	case message.Acknowledgement:
		return "ack"
	case message.Reset:
		return "rst"
	}
	return "unknown"
}
