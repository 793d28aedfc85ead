// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coapopt

import "strings"

// SplitPath splits a slash-delimited URI path into its non-empty
// segments. Leading, trailing and repeated slashes produce no segments,
// so "/a/b/c", "a/b/c" and "//a//b/c/" all split to ["a" "b" "c"].
func SplitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// JoinPath concatenates "/"+segment for each non-empty segment, the
// string form of a Uri-Path option sequence. An empty segment list
// yields an empty string.
func JoinPath(segs []string) string {
	var b strings.Builder
	for _, s := range segs {
		if s == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(s)
	}
	return b.String()
}
