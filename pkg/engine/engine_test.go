// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// newTestEngine creates an engine with defaults suitable for loopback
// tests.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{})
	t.Cleanup(func() { e.Close() })
	return e
}

// pump alternates RunOnce on both engines until cond holds or the
// round budget runs out.
func pump(t *testing.T, a, b *Engine, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		if _, err := a.RunOnce(20 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
		if _, err := b.RunOnce(0); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}
	t.Fatal("condition not reached")
}

func TestEngine_ConfirmableRequestResponse(t *testing.T) {
	server := newTestEngine(t)
	client := newTestEngine(t)

	// server answers every request with 2.05 and a payload
	var gotPath []string
	server.OnRequest = func(req, resp *pool.Message, sess *Session) {
		for _, o := range req.Options() {
			if o.ID == message.URIPath {
				gotPath = append(gotPath, string(o.Value))
			}
		}
		resp.SetCode(codes.Content)
		resp.SetBody(bytes.NewReader([]byte("ok")))
	}

	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	addr := server.LocalAddr()
	if addr == nil || addr.Port == 0 {
		t.Fatalf("LocalAddr() = %v, want ephemeral port", addr)
	}

	sess, err := client.Connect("127.0.0.1", addr.Port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var gotSent, gotRecv *pool.Message
	client.OnResponse = func(sent, received *pool.Message, s *Session) bool {
		gotSent = sent
		gotRecv = received
		return true
	}

	req := pool.NewMessage(context.Background())
	req.SetType(message.Confirmable)
	req.SetCode(codes.GET)
	req.SetMessageID(client.NextMessageID())
	req.SetToken(message.Token{0x01, 0x02})
	req.AddOptionBytes(message.URIPath, []byte("a"))
	req.AddOptionBytes(message.URIPath, []byte("b"))

	if err := sess.Send(req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pump(t, server, client, func() bool { return gotRecv != nil })

	// the sent request must be correlated back by token
	if gotSent == nil {
		t.Fatal("response handler got nil sent message")
	}
	if gotSent.MessageID() != req.MessageID() {
		t.Errorf("sent message ID = %d, want %d", gotSent.MessageID(), req.MessageID())
	}
	if gotRecv.Code() != codes.Content {
		t.Errorf("response code = %v, want Content", gotRecv.Code())
	}
	// piggybacked response: ACK with the request's message ID
	if gotRecv.Type() != message.Acknowledgement {
		t.Errorf("response type = %v, want Acknowledgement", gotRecv.Type())
	}
	if gotRecv.MessageID() != req.MessageID() {
		t.Errorf("response message ID = %d, want %d", gotRecv.MessageID(), req.MessageID())
	}
	body, err := gotRecv.ReadBody()
	if err != nil || string(body) != "ok" {
		t.Errorf("response body = %q (err %v), want \"ok\"", body, err)
	}
	if len(gotPath) != 2 || gotPath[0] != "a" || gotPath[1] != "b" {
		t.Errorf("request path = %v, want [a b]", gotPath)
	}
}

func TestEngine_NonConfirmableRequestResponse(t *testing.T) {
	server := newTestEngine(t)
	client := newTestEngine(t)

	server.OnRequest = func(req, resp *pool.Message, sess *Session) {
		resp.SetCode(codes.Content)
	}

	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	sess, err := client.Connect("127.0.0.1", server.LocalAddr().Port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var gotSent, gotRecv *pool.Message
	client.OnResponse = func(sent, received *pool.Message, s *Session) bool {
		gotSent = sent
		gotRecv = received
		return true
	}

	req := pool.NewMessage(context.Background())
	req.SetType(message.NonConfirmable)
	req.SetCode(codes.GET)
	req.SetMessageID(client.NextMessageID())

	if err := sess.Send(req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pump(t, server, client, func() bool { return gotRecv != nil })

	// non-confirmable requests are not tracked, so no correlation
	if gotSent != nil {
		t.Error("response handler got a sent message for an untracked request")
	}
	if gotRecv.Type() != message.NonConfirmable {
		t.Errorf("response type = %v, want NonConfirmable", gotRecv.Type())
	}
	if gotRecv.Code() != codes.Content {
		t.Errorf("response code = %v, want Content", gotRecv.Code())
	}
}

func TestEngine_UnansweredConfirmableGetsEmptyAck(t *testing.T) {
	server := newTestEngine(t)

	// handler leaves the response code empty: no response is sent, but
	// the confirmable request still gets acknowledged
	server.OnRequest = func(req, resp *pool.Message, sess *Session) {}

	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	conn, err := net.DialUDP("udp", nil, server.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()

	req := pool.NewMessage(context.Background())
	req.SetType(message.Confirmable)
	req.SetCode(codes.GET)
	req.SetMessageID(42)
	data, err := req.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		t.Fatalf("MarshalWithEncoder() error = %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := server.RunOnce(time.Second); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	ack := pool.NewMessage(context.Background())
	if _, err := ack.UnmarshalWithDecoder(coder.DefaultCoder, buf[:n]); err != nil {
		t.Fatalf("UnmarshalWithDecoder() error = %v", err)
	}
	if ack.Type() != message.Acknowledgement || ack.Code() != codes.Empty {
		t.Errorf("got type %v code %v, want empty ACK", ack.Type(), ack.Code())
	}
	if ack.MessageID() != 42 {
		t.Errorf("ACK message ID = %d, want 42", ack.MessageID())
	}
}

func TestEngine_PingAnsweredWithReset(t *testing.T) {
	server := newTestEngine(t)
	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	conn, err := net.DialUDP("udp", nil, server.LocalAddr())
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer conn.Close()

	ping := pool.NewMessage(context.Background())
	ping.SetType(message.Confirmable)
	ping.SetCode(codes.Empty)
	ping.SetMessageID(7)
	data, err := ping.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		t.Fatalf("MarshalWithEncoder() error = %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if _, err := server.RunOnce(time.Second); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	rst := pool.NewMessage(context.Background())
	if _, err := rst.UnmarshalWithDecoder(coder.DefaultCoder, buf[:n]); err != nil {
		t.Fatalf("UnmarshalWithDecoder() error = %v", err)
	}
	if rst.Type() != message.Reset || rst.Code() != codes.Empty {
		t.Errorf("got type %v code %v, want empty RST", rst.Type(), rst.Code())
	}
	if rst.MessageID() != 7 {
		t.Errorf("RST message ID = %d, want 7", rst.MessageID())
	}
}

func TestEngine_NackTooManyRetries(t *testing.T) {
	client := newTestEngine(t)

	// a mute peer: absorbs datagrams, never answers
	mute, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer mute.Close()

	sess, err := client.Connect("127.0.0.1", mute.LocalAddr().(*net.UDPAddr).Port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := sess.SetAckTimeoutMillis(10); err != nil {
		t.Fatalf("SetAckTimeoutMillis() error = %v", err)
	}
	if err := sess.SetMaxRetransmit(1); err != nil {
		t.Fatalf("SetMaxRetransmit() error = %v", err)
	}

	var gotReason NackReason
	var gotMID int32
	nacked := false
	client.OnNack = func(sent *pool.Message, reason NackReason, messageID int32, s *Session) {
		nacked = true
		gotReason = reason
		gotMID = messageID
	}

	req := pool.NewMessage(context.Background())
	req.SetType(message.Confirmable)
	req.SetCode(codes.GET)
	req.SetMessageID(99)

	if err := sess.Send(req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !nacked && time.Now().Before(deadline) {
		if _, err := client.RunOnce(20 * time.Millisecond); err != nil {
			t.Fatalf("RunOnce() error = %v", err)
		}
	}

	if !nacked {
		t.Fatal("NACK handler not invoked")
	}
	if gotReason != NackTooManyRetries {
		t.Errorf("reason = %v, want NackTooManyRetries", gotReason)
	}
	if gotMID != 99 {
		t.Errorf("message ID = %d, want 99", gotMID)
	}
}

func TestEngine_Rebind(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	first := e.LocalAddr().Port

	if err := e.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("rebind error = %v", err)
	}
	if e.LocalAddr().Port == first {
		t.Error("rebind kept the previous endpoint port")
	}
}

func TestEngine_SetMaxPDUSize(t *testing.T) {
	e := newTestEngine(t)

	if err := e.SetMaxPDUSize(0); err == nil {
		t.Error("SetMaxPDUSize(0) accepted")
	}
	if err := e.SetMaxPDUSize(-1); err == nil {
		t.Error("SetMaxPDUSize(-1) accepted")
	}
	if err := e.SetMaxPDUSize(512); err != nil {
		t.Errorf("SetMaxPDUSize(512) error = %v", err)
	}
	if e.MaxPDUSize() != 512 {
		t.Errorf("MaxPDUSize() = %d, want 512", e.MaxPDUSize())
	}
}

func TestEngine_SendOversizedPDU(t *testing.T) {
	server := newTestEngine(t)
	client := newTestEngine(t)

	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := client.SetMaxPDUSize(16); err != nil {
		t.Fatalf("SetMaxPDUSize() error = %v", err)
	}

	sess, err := client.Connect("127.0.0.1", server.LocalAddr().Port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	req := pool.NewMessage(context.Background())
	req.SetType(message.NonConfirmable)
	req.SetCode(codes.POST)
	req.SetMessageID(1)
	req.SetBody(bytes.NewReader(make([]byte, 64)))

	if err := sess.Send(req); err == nil {
		t.Error("Send() accepted a PDU over the configured maximum")
	}
}

func TestSession_Defaults(t *testing.T) {
	client := newTestEngine(t)
	server := newTestEngine(t)
	if err := server.Bind("127.0.0.1", 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	sess, err := client.Connect("127.0.0.1", server.LocalAddr().Port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if sess.MaxRetransmit() != DefaultMaxRetransmit {
		t.Errorf("MaxRetransmit() = %d, want %d", sess.MaxRetransmit(), DefaultMaxRetransmit)
	}
	if sess.AckTimeout().Millis() != DefaultAckTimeoutMillis {
		t.Errorf("AckTimeout() = %dms, want %dms", sess.AckTimeout().Millis(), DefaultAckTimeoutMillis)
	}

	if err := sess.SetMaxRetransmit(0); err == nil {
		t.Error("SetMaxRetransmit(0) accepted")
	}
	if err := sess.SetAckTimeoutMillis(-5); err == nil {
		t.Error("SetAckTimeoutMillis(-5) accepted")
	}
}

func TestEngine_RunOnceNonBlocking(t *testing.T) {
	e := newTestEngine(t)

	start := time.Now()
	if _, err := e.RunOnce(0); err != nil {
		t.Fatalf("RunOnce(0) error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("RunOnce(0) blocked for %v", elapsed)
	}
}

func TestEngine_RunOnceBoundedTimeout(t *testing.T) {
	e := newTestEngine(t)

	start := time.Now()
	spent, err := e.RunOnce(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("RunOnce(50ms) returned after %v", elapsed)
	}
	if spent < 40*time.Millisecond {
		t.Errorf("reported spent time %v below the timeout", spent)
	}
}

func TestEngine_ClosedOperations(t *testing.T) {
	e := New(Config{})
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := e.Bind("127.0.0.1", 0); err != ErrClosed {
		t.Errorf("Bind() after close error = %v, want ErrClosed", err)
	}
	if _, err := e.Connect("127.0.0.1", 5683); err != ErrClosed {
		t.Errorf("Connect() after close error = %v, want ErrClosed", err)
	}
	if _, err := e.RunOnce(0); err != ErrClosed {
		t.Errorf("RunOnce() after close error = %v, want ErrClosed", err)
	}
}
