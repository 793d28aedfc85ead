// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapopt converts between typed script values and the raw
// length-prefixed encoding of CoAP options, and provides the Uri-Path
// and Uri-Query composition helpers built on top of it.
package coapopt
