// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapopt

import "bytes"

// QueryParam is a name/value pair decoded from a Uri-Query option.
type QueryParam struct {
	Name  string
	Value string

	// HasValue distinguishes "flag" (no '=') from "flag=" (empty value).
	HasValue bool
}

// ParseQuery splits a Uri-Query option's raw bytes on the first '='.
// Bytes before the separator are the parameter name, bytes after it the
// value; absence of '=' yields a name with no value. Both name and
// value are trimmed of leading/trailing ASCII whitespace.
//
// Parameters whose post-trim name is empty never surface to callers;
// they report Skip() == true.
func ParseQuery(raw []byte) QueryParam {
	name := raw
	var val []byte
	hasValue := false

	if i := bytes.IndexByte(raw, '='); i >= 0 {
		name = raw[:i]
		val = raw[i+1:]
		hasValue = true
	}

	p := QueryParam{
		Name:     string(trimASCIISpace(name)),
		HasValue: hasValue,
	}
	if hasValue {
		p.Value = string(trimASCIISpace(val))
		if p.Value == "" {
			p.HasValue = false
		}
	}
	return p
}

// Skip reports whether the parameter must be ignored during iteration
// and lookup (empty post-trim name).
func (p QueryParam) Skip() bool {
	return p.Name == ""
}

func trimASCIISpace(b []byte) []byte {
	return bytes.Trim(b, " \t\r\n\v\f")
}
