// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package luacoap embeds the CoAP engine into a Lua interpreter. It
// registers a "coap" module exposing message construction, server
// binding, client connections and a cooperative process_step poll, and
// bridges inbound traffic to script handlers.
//
// Message objects follow a strict access discipline: script-created
// messages are writable until handed to a connection's send,
// handler-received messages are read-only, handler response messages
// are writable until their own send, and every object becomes
// permanently locked once the engine takes it over.
package luacoap
