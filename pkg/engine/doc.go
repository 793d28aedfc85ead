// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the CoAP message engine: a UDP server
// endpoint, client sessions, confirmable-message retransmission and a
// single-threaded poll loop that dispatches request, response and NACK
// callbacks synchronously.
//
// PDU layout is delegated to github.com/plgd-dev/go-coap/v3: messages
// are pool.Message instances marshalled with the UDP coder. The engine
// never runs callbacks concurrently; all dispatch happens inside
// RunOnce on the caller's goroutine.
package engine
