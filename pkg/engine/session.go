// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

const (
	// DefaultMaxRetransmit is the default retransmission limit for
	// unacknowledged confirmable messages (RFC 7252 MAX_RETRANSMIT).
	DefaultMaxRetransmit = 4

	// DefaultAckTimeoutMillis is the default initial ACK wait
	// (RFC 7252 ACK_TIMEOUT).
	DefaultAckTimeoutMillis = 2000

	// DefaultMTU bounds the PDU size of a session so datagrams avoid
	// IP fragmentation on common paths.
	DefaultMTU = 1152
)

// Session is a logical CoAP connection with a single peer. Client
// sessions own a dedicated UDP socket; sessions observed on the server
// endpoint borrow the endpoint socket.
type Session struct {
	id       string
	eng      *Engine
	conn     *net.UDPConn
	remote   *net.UDPAddr
	local    *net.UDPAddr
	borrowed bool
	closed   bool

	maxRetransmit int
	ackTimeout    FixedPoint
	mtu           int
}

func newSession(eng *Engine, conn *net.UDPConn, remote, local *net.UDPAddr, borrowed bool) *Session {
	return &Session{
		id:            uuid.New().String(),
		eng:           eng,
		conn:          conn,
		remote:        remote,
		local:         local,
		borrowed:      borrowed,
		maxRetransmit: DefaultMaxRetransmit,
		ackTimeout:    FixedPointFromMillis(DefaultAckTimeoutMillis),
		mtu:           DefaultMTU,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer's UDP address.
func (s *Session) RemoteAddr() *net.UDPAddr { return s.remote }

// LocalAddr returns the local UDP address of the session's socket.
func (s *Session) LocalAddr() *net.UDPAddr { return s.local }

// Borrowed reports whether the session was observed on the server
// endpoint rather than opened by Connect. Borrowed sessions are not
// owned by their wrapper objects and are never closed through them.
func (s *Session) Borrowed() bool { return s.borrowed }

// MaxRetransmit returns the retransmission limit for confirmable
// messages.
func (s *Session) MaxRetransmit() int { return s.maxRetransmit }

// SetMaxRetransmit sets the retransmission limit. n must be positive.
func (s *Session) SetMaxRetransmit(n int) error {
	if n <= 0 {
		return fmt.Errorf("max retransmit must be > 0, got %d", n)
	}
	s.maxRetransmit = n
	return nil
}

// AckTimeout returns the initial ACK wait.
func (s *Session) AckTimeout() FixedPoint { return s.ackTimeout }

// SetAckTimeoutMillis sets the initial ACK wait. ms must be positive.
func (s *Session) SetAckTimeoutMillis(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("ack timeout must be > 0, got %d", ms)
	}
	s.ackTimeout = FixedPointFromMillis(ms)
	return nil
}

// MaxPDUSize returns the largest PDU the session will send, respecting
// both the engine's configured maximum and the session's path MTU.
func (s *Session) MaxPDUSize() int {
	max := s.eng.MaxPDUSize()
	if s.mtu < max {
		return s.mtu
	}
	return max
}

// Send marshals and transmits a message to the session's peer.
// Confirmable messages are registered for retransmission; the NACK
// callback fires if no acknowledgement arrives within the session's
// retransmission budget.
func (s *Session) Send(msg *pool.Message) error {
	if s.closed {
		return fmt.Errorf("send on closed session %s", s.id)
	}

	data, err := msg.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	if len(data) > s.MaxPDUSize() {
		return fmt.Errorf("PDU size %d exceeds maximum %d", len(data), s.MaxPDUSize())
	}

	if msg.Type() == message.Confirmable {
		s.eng.trackConfirmable(s, msg, data)
	}

	if err := s.write(data); err != nil {
		return err
	}

	s.eng.metrics.sent(kindOf(msg))
	return nil
}

// write pushes raw bytes to the peer over the appropriate socket.
func (s *Session) write(data []byte) error {
	var err error
	if s.borrowed {
		_, err = s.conn.WriteToUDP(data, s.remote)
	} else {
		_, err = s.conn.Write(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write to %s: %w", s.remote, err)
	}
	return nil
}

// Close releases the session. Borrowed sessions share the endpoint
// socket and closing them only removes the engine's bookkeeping.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.eng.dropSession(s)

	if s.borrowed {
		return nil
	}
	return s.conn.Close()
}
